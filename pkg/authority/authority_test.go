package authority

import (
	"context"
	"net"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpchealthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/khenidak/leasekeeper/pkg/config"
	"github.com/khenidak/leasekeeper/pkg/leaseerrors"
)

func startTestAuthority(t *testing.T, opts ...Option) (*authority, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	a, err := NewAuthority(config.NewConfig(), opts...)
	if err != nil {
		t.Fatalf("failed to create authority with err:%v", err)
	}
	if err := a.Serve(lis); err != nil {
		t.Fatalf("failed to serve with err:%v", err)
	}

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial authority with err:%v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		a.Stop()
	})
	return a.(*authority), conn
}

func TestGrant(t *testing.T) {
	_, conn := startTestAuthority(t, WithMinTTL(2))
	client := etcdserverpb.NewLeaseClient(conn)
	ctx := context.Background()

	resp, err := client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: 5, TTL: 10})
	if err != nil {
		t.Fatalf("failed to grant with err:%v", err)
	}
	if resp.ID != 5 || resp.TTL != 10 {
		t.Fatalf("expected lease 5 ttl 10 got %v ttl %v", resp.ID, resp.TTL)
	}
	if resp.Header == nil || resp.Header.Revision == 0 {
		t.Fatalf("expected a response header with a revision got %v", resp.Header)
	}

	_, err = client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: 5, TTL: 10})
	if !leaseerrors.IsLeaseExist(err) {
		t.Fatalf("expected lease exist got %v", err)
	}

	_, err = client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{TTL: MaxLeaseTTL + 1})
	if !leaseerrors.IsLeaseTTLTooLarge(err) {
		t.Fatalf("expected ttl too large got %v", err)
	}

	resp, err = client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{TTL: 1})
	if err != nil {
		t.Fatalf("failed to grant with err:%v", err)
	}
	if resp.ID <= 0 {
		t.Fatalf("expected an assigned positive id got %v", resp.ID)
	}
	if resp.TTL != 2 {
		t.Fatalf("expected ttl raised to min ttl 2 got %v", resp.TTL)
	}
}

func TestGrantError(t *testing.T) {
	a, conn := startTestAuthority(t, WithGrantError("lessor is not ready"))
	client := etcdserverpb.NewLeaseClient(conn)

	resp, err := client.LeaseGrant(context.Background(), &etcdserverpb.LeaseGrantRequest{ID: 5, TTL: 10})
	if err != nil {
		t.Fatalf("expected the rejection in the response body got err:%v", err)
	}
	if resp.Error != "lessor is not ready" || resp.ID != 0 {
		t.Fatalf("unexpected grant response error:%q id:%v", resp.Error, resp.ID)
	}
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()
	if len(a.leases) != 0 {
		t.Fatalf("expected no lease to be granted got %v", len(a.leases))
	}
}

func TestRevokeAndTimeToLive(t *testing.T) {
	a, conn := startTestAuthority(t)
	client := etcdserverpb.NewLeaseClient(conn)
	ctx := context.Background()

	if _, err := client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: 7, TTL: 30}); err != nil {
		t.Fatalf("failed to grant with err:%v", err)
	}
	for _, k := range []string{"/b", "/a"} {
		if err := a.AttachKey(7, k); err != nil {
			t.Fatalf("failed to attach key with err:%v", err)
		}
	}
	if err := a.AttachKey(8, "/c"); !leaseerrors.IsLeaseNotFound(err) {
		t.Fatalf("expected lease not found attaching to a missing lease got %v", err)
	}

	ttl, err := client.LeaseTimeToLive(ctx, &etcdserverpb.LeaseTimeToLiveRequest{ID: 7, Keys: true})
	if err != nil {
		t.Fatalf("failed to get ttl with err:%v", err)
	}
	if ttl.GrantedTTL != 30 || ttl.TTL <= 0 || ttl.TTL > 30 {
		t.Fatalf("unexpected ttl response granted:%v remaining:%v", ttl.GrantedTTL, ttl.TTL)
	}
	if len(ttl.Keys) != 2 || string(ttl.Keys[0]) != "/a" || string(ttl.Keys[1]) != "/b" {
		t.Fatalf("expected sorted keys [/a /b] got %q", ttl.Keys)
	}

	ttl, err = client.LeaseTimeToLive(ctx, &etcdserverpb.LeaseTimeToLiveRequest{ID: 7})
	if err != nil {
		t.Fatalf("failed to get ttl with err:%v", err)
	}
	if len(ttl.Keys) != 0 {
		t.Fatalf("expected no keys unless asked got %q", ttl.Keys)
	}

	if _, err := client.LeaseRevoke(ctx, &etcdserverpb.LeaseRevokeRequest{ID: 7}); err != nil {
		t.Fatalf("failed to revoke with err:%v", err)
	}
	if _, err := client.LeaseRevoke(ctx, &etcdserverpb.LeaseRevokeRequest{ID: 7}); !leaseerrors.IsLeaseNotFound(err) {
		t.Fatalf("expected lease not found on second revoke got %v", err)
	}

	ttl, err = client.LeaseTimeToLive(ctx, &etcdserverpb.LeaseTimeToLiveRequest{ID: 7})
	if err != nil {
		t.Fatalf("expected ttl of a missing lease to succeed got %v", err)
	}
	if ttl.TTL != -1 {
		t.Fatalf("expected ttl -1 for a missing lease got %v", ttl.TTL)
	}
}

func TestLeases(t *testing.T) {
	_, conn := startTestAuthority(t)
	client := etcdserverpb.NewLeaseClient(conn)
	ctx := context.Background()

	for _, id := range []int64{30, 10, 20} {
		if _, err := client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: id, TTL: 30}); err != nil {
			t.Fatalf("failed to grant lease:%v with err:%v", id, err)
		}
	}

	resp, err := client.LeaseLeases(ctx, &etcdserverpb.LeaseLeasesRequest{})
	if err != nil {
		t.Fatalf("failed to list leases with err:%v", err)
	}

	expected := []int64{10, 20, 30}
	if len(resp.Leases) != len(expected) {
		t.Fatalf("expected %v leases got %v", len(expected), len(resp.Leases))
	}
	for i, id := range expected {
		if resp.Leases[i].ID != id {
			t.Fatalf("expected lease %v at %v got %v", id, i, resp.Leases[i].ID)
		}
	}
}

func TestKeepAliveStream(t *testing.T) {
	a, conn := startTestAuthority(t)
	client := etcdserverpb.NewLeaseClient(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: 5, TTL: 10}); err != nil {
		t.Fatalf("failed to grant with err:%v", err)
	}
	a.leaseLock.Lock()
	before := a.leases[5].expiry
	a.leaseLock.Unlock()

	stream, err := client.LeaseKeepAlive(ctx)
	if err != nil {
		t.Fatalf("failed to open keep-alive stream with err:%v", err)
	}

	testCases := []struct {
		name string
		id   int64
		ttl  int64
	}{
		{name: "renew", id: 5, ttl: 10},
		{name: "missing", id: 6, ttl: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := stream.Send(&etcdserverpb.LeaseKeepAliveRequest{ID: testCase.id}); err != nil {
				t.Fatalf("failed to send with err:%v", err)
			}
			resp, err := stream.Recv()
			if err != nil {
				t.Fatalf("failed to receive with err:%v", err)
			}
			if resp.ID != testCase.id || resp.TTL != testCase.ttl {
				t.Fatalf("expected id:%v ttl:%v got id:%v ttl:%v", testCase.id, testCase.ttl, resp.ID, resp.TTL)
			}
		})
	}

	a.leaseLock.Lock()
	after := a.leases[5].expiry
	a.leaseLock.Unlock()
	if !after.After(before) {
		t.Fatalf("expected keep-alive to push the expiry forward")
	}
}

func TestExpireLeases(t *testing.T) {
	a, conn := startTestAuthority(t, WithExpiryCheckInterval(time.Hour))
	client := etcdserverpb.NewLeaseClient(conn)
	ctx := context.Background()

	for id, ttl := range map[int64]int64{1: 1, 2: 60} {
		if _, err := client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: id, TTL: ttl}); err != nil {
			t.Fatalf("failed to grant lease:%v with err:%v", id, err)
		}
	}

	a.expireLeases(time.Now().Add(2 * time.Second))

	resp, err := client.LeaseLeases(ctx, &etcdserverpb.LeaseLeasesRequest{})
	if err != nil {
		t.Fatalf("failed to list leases with err:%v", err)
	}
	if len(resp.Leases) != 1 || resp.Leases[0].ID != 2 {
		t.Fatalf("expected only lease 2 to survive got %v", resp.Leases)
	}
}

func TestExpiryLoop(t *testing.T) {
	_, conn := startTestAuthority(t, WithExpiryCheckInterval(10*time.Millisecond))
	client := etcdserverpb.NewLeaseClient(conn)
	ctx := context.Background()

	if _, err := client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: 1, TTL: 1}); err != nil {
		t.Fatalf("failed to grant with err:%v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ttl, err := client.LeaseTimeToLive(ctx, &etcdserverpb.LeaseTimeToLiveRequest{ID: 1})
		if err != nil {
			t.Fatalf("failed to get ttl with err:%v", err)
		}
		if ttl.TTL == -1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("lease did not expire")
}

func TestDropStreams(t *testing.T) {
	a, conn := startTestAuthority(t)
	client := etcdserverpb.NewLeaseClient(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.LeaseKeepAlive(ctx)
	if err != nil {
		t.Fatalf("failed to open keep-alive stream with err:%v", err)
	}
	// make sure the stream reached the handler
	if err := stream.Send(&etcdserverpb.LeaseKeepAliveRequest{ID: 9}); err != nil {
		t.Fatalf("failed to send with err:%v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("failed to receive with err:%v", err)
	}

	a.DropStreams()

	_, err = stream.Recv()
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected unavailable after drop got %v", err)
	}
}

func TestPauseKeepAlive(t *testing.T) {
	a, conn := startTestAuthority(t)
	client := etcdserverpb.NewLeaseClient(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := client.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{ID: 5, TTL: 10}); err != nil {
		t.Fatalf("failed to grant with err:%v", err)
	}
	stream, err := client.LeaseKeepAlive(ctx)
	if err != nil {
		t.Fatalf("failed to open keep-alive stream with err:%v", err)
	}

	a.PauseKeepAlive(true)
	if err := stream.Send(&etcdserverpb.LeaseKeepAliveRequest{ID: 5}); err != nil {
		t.Fatalf("failed to send with err:%v", err)
	}

	received := make(chan *etcdserverpb.LeaseKeepAliveResponse, 1)
	go func() {
		resp, err := stream.Recv()
		if err == nil {
			received <- resp
		}
	}()

	select {
	case resp := <-received:
		t.Fatalf("expected no answer while paused got %v", resp)
	case <-time.After(100 * time.Millisecond):
	}

	a.PauseKeepAlive(false)
	if err := stream.Send(&etcdserverpb.LeaseKeepAliveRequest{ID: 5}); err != nil {
		t.Fatalf("failed to send with err:%v", err)
	}

	select {
	case resp := <-received:
		if resp.ID != 5 || resp.TTL != 10 {
			t.Fatalf("unexpected response %v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an answer after resuming")
	}
}

func TestHealth(t *testing.T) {
	_, conn := startTestAuthority(t)
	health := grpchealthpb.NewHealthClient(conn)

	resp, err := health.Check(context.Background(), &grpchealthpb.HealthCheckRequest{Service: "Lease"})
	if err != nil {
		t.Fatalf("failed to check health with err:%v", err)
	}
	if resp.Status != grpchealthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected serving got %v", resp.Status)
	}
}
