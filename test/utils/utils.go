package utils

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	grpchealthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/khenidak/leasekeeper/pkg/authority"
	"github.com/khenidak/leasekeeper/pkg/config"
	"github.com/khenidak/leasekeeper/pkg/keepalive"
	"github.com/khenidak/leasekeeper/pkg/leaseclient"
	"github.com/khenidak/leasekeeper/pkg/retryable"
	"github.com/khenidak/leasekeeper/pkg/transport"
)

// starts an in-memory lease authority listening on c.ListenAddress
func CreateTestApp(c *config.Config, t testing.TB) (a authority.Authority, stop func()) {
	t.Helper()
	a, err := authority.NewAuthority(c, authority.WithExpiryCheckInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create authority with err:%v", err)
	}

	err = a.StartListening()
	if err != nil {
		t.Fatalf("faliled to start listening with err:%v", err)
	}

	return a, func() {
		c.Runtime.Stop <- syscall.SIGTERM
		t.Logf("test app - stop signal sent")
		<-c.Runtime.Done
		_ = c.Close()
	}
}

// MakeTestClient dials c.Endpoint and waits for the authority to report
// healthy
func MakeTestClient(c *config.Config, t testing.TB) *leaseclient.Client {
	t.Helper()
	if err := c.InitClient(); err != nil {
		t.Fatalf("failed to create client connection with err:%v", err)
	}

	health := grpchealthpb.NewHealthClient(c.Runtime.Conn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := retryable.RetryWithOpts(ctx, func() error {
		resp, err := health.Check(ctx, &grpchealthpb.HealthCheckRequest{Service: "Lease"})
		if err != nil {
			return err
		}
		if resp.Status != grpchealthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("lease service is %v", resp.Status)
		}
		return nil
	},
		retryable.WithMaxRetryCount(10),
		retryable.WithBackoff(retryable.NewBackoff(10*time.Millisecond, 500*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("authority did not become healthy with err:%v", err)
	}

	return leaseclient.New(c.Runtime.Conn, leaseclient.WithRequestTimeout(c.RequestTimeout), leaseclient.WithLogger(logr.Discard()))
}

// MakeTestManager creates a keep-alive manager over c.Runtime.Conn,
// MakeTestClient must be called first
func MakeTestManager(c *config.Config, t testing.TB, opts ...keepalive.Option) *keepalive.Manager {
	t.Helper()
	dialer := transport.NewGRPCDialer(c.Runtime.Conn, transport.WithRequireLeader(c.RequireLeader))

	all := []keepalive.Option{
		keepalive.WithLogger(logr.Discard()),
		keepalive.WithMinRenewInterval(c.MinRenewInterval),
		keepalive.WithDialTimeout(c.DialTimeout),
		keepalive.WithBackoff(*retryable.NewBackoff(c.Backoff.Initial, c.Backoff.Max)),
	}
	m, err := keepalive.NewManager(context.Background(), dialer, append(all, opts...)...)
	if err != nil {
		t.Fatalf("failed to create keep-alive manager with err:%v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// RandLeaseID is a random positive lease id
func RandLeaseID() int64 {
	return rand.Int63n(math.MaxInt64-1) + 1
}
