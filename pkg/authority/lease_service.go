package authority

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	klogv2 "k8s.io/klog/v2"

	"github.com/khenidak/leasekeeper/pkg/types"
)

var errStreamDropped = status.Error(codes.Unavailable, "keep-alive stream dropped by authority")

type lease struct {
	id     int64
	ttl    int64
	expiry time.Time
	keys   map[string]struct{}
}

func (l *lease) remaining(now time.Time) int64 {
	r := int64(l.expiry.Sub(now).Seconds())
	if r < 0 {
		return 0
	}
	return r
}

type keepAliveStream struct {
	drop     chan struct{}
	dropOnce sync.Once
}

func (ks *keepAliveStream) close() {
	ks.dropOnce.Do(func() { close(ks.drop) })
}

func (a *authority) LeaseGrant(ctx context.Context, req *etcdserverpb.LeaseGrantRequest) (*etcdserverpb.LeaseGrantResponse, error) {
	ttl := req.TTL
	if ttl > MaxLeaseTTL {
		return nil, rpctypes.ErrGRPCLeaseTTLTooLarge
	}
	if ttl < a.minTTL {
		ttl = a.minTTL
	}
	if ttl <= 0 {
		ttl = 1
	}

	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	if len(a.grantError) != 0 {
		return &etcdserverpb.LeaseGrantResponse{
			Header: a.createResponseHeader(),
			Error:  a.grantError,
		}, nil
	}

	id := req.ID
	if id == 0 {
		id = a.nextLeaseID()
	}
	if _, ok := a.leases[id]; ok {
		return nil, rpctypes.ErrGRPCLeaseExist
	}

	a.leases[id] = &lease{
		id:     id,
		ttl:    ttl,
		expiry: time.Now().Add(types.TTLDuration(ttl)),
		keys:   make(map[string]struct{}),
	}
	a.revision++
	klogv2.V(4).Infof("granted lease %x ttl:%v", id, ttl)

	return &etcdserverpb.LeaseGrantResponse{
		Header: a.createResponseHeader(),
		ID:     id,
		TTL:    ttl,
	}, nil
}

// must be called with leaseLock held
func (a *authority) nextLeaseID() int64 {
	for {
		id := int64(randomUint64() & math.MaxInt64)
		if id == 0 {
			continue
		}
		if _, ok := a.leases[id]; !ok {
			return id
		}
	}
}

func (a *authority) LeaseRevoke(ctx context.Context, req *etcdserverpb.LeaseRevokeRequest) (*etcdserverpb.LeaseRevokeResponse, error) {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	if _, ok := a.leases[req.ID]; !ok {
		return nil, rpctypes.ErrGRPCLeaseNotFound
	}

	delete(a.leases, req.ID)
	a.revision++
	klogv2.V(4).Infof("revoked lease %x", req.ID)

	return &etcdserverpb.LeaseRevokeResponse{
		Header: a.createResponseHeader(),
	}, nil
}

// LeaseKeepAlive renews a lease for every request on the stream. A lease
// that does not exist is answered with ttl 0.
func (a *authority) LeaseKeepAlive(srv etcdserverpb.Lease_LeaseKeepAliveServer) error {
	ks := &keepAliveStream{drop: make(chan struct{})}
	a.addStream(ks)
	defer a.removeStream(ks)

	ctx := srv.Context()
	reqs := make(chan *etcdserverpb.LeaseKeepAliveRequest)
	recvErr := make(chan error, 1)
	go func() {
		for {
			req, err := srv.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			return rpctypes.ErrGRPCStopped
		case <-ks.drop:
			return errStreamDropped
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case req := <-reqs:
			resp := a.keepAlive(req.ID)
			if resp == nil {
				continue
			}
			if err := srv.Send(resp); err != nil {
				return err
			}
		}
	}
}

// keepAlive returns nil while keep-alive is paused
func (a *authority) keepAlive(id int64) *etcdserverpb.LeaseKeepAliveResponse {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	if a.paused {
		return nil
	}

	resp := &etcdserverpb.LeaseKeepAliveResponse{
		Header: a.createResponseHeader(),
		ID:     id,
	}

	l, ok := a.leases[id]
	if !ok {
		return resp
	}

	l.expiry = time.Now().Add(types.TTLDuration(l.ttl))
	resp.TTL = l.ttl
	return resp
}

func (a *authority) LeaseTimeToLive(ctx context.Context, req *etcdserverpb.LeaseTimeToLiveRequest) (*etcdserverpb.LeaseTimeToLiveResponse, error) {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	resp := &etcdserverpb.LeaseTimeToLiveResponse{
		Header: a.createResponseHeader(),
		ID:     req.ID,
	}

	l, ok := a.leases[req.ID]
	if !ok {
		// etcd reports a missing lease as ttl -1, not as an error
		resp.TTL = -1
		return resp, nil
	}

	resp.TTL = l.remaining(time.Now())
	resp.GrantedTTL = l.ttl
	if req.Keys {
		keys := make([]string, 0, len(l.keys))
		for k := range l.keys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			resp.Keys = append(resp.Keys, []byte(k))
		}
	}
	return resp, nil
}

func (a *authority) LeaseLeases(ctx context.Context, req *etcdserverpb.LeaseLeasesRequest) (*etcdserverpb.LeaseLeasesResponse, error) {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	ids := make([]int64, 0, len(a.leases))
	for id := range a.leases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	resp := &etcdserverpb.LeaseLeasesResponse{
		Header: a.createResponseHeader(),
	}
	for _, id := range ids {
		resp.Leases = append(resp.Leases, &etcdserverpb.LeaseStatus{ID: id})
	}
	return resp, nil
}

func (a *authority) AttachKey(id int64, key string) error {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	l, ok := a.leases[id]
	if !ok {
		return rpctypes.ErrGRPCLeaseNotFound
	}
	l.keys[key] = struct{}{}
	a.revision++
	return nil
}

func (a *authority) DropStreams() {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	klogv2.Infof("dropping %v keep-alive streams", len(a.streams))
	for ks := range a.streams {
		ks.close()
	}
}

func (a *authority) PauseKeepAlive(paused bool) {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()
	a.paused = paused
}

func (a *authority) addStream(ks *keepAliveStream) {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()
	a.streams[ks] = struct{}{}
}

func (a *authority) removeStream(ks *keepAliveStream) {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()
	delete(a.streams, ks)
}

// leaseManagementLoop deletes leases (and the keys attached to them)
// once their ttl elapsed without a renewal
func (a *authority) leaseManagementLoop() {
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			a.expireLeases(now)
		}
	}
}

func (a *authority) expireLeases(now time.Time) {
	a.leaseLock.Lock()
	defer a.leaseLock.Unlock()

	expired := 0
	for id, l := range a.leases {
		if now.Before(l.expiry) {
			continue
		}
		delete(a.leases, id)
		expired++
		klogv2.V(4).Infof("lease %x expired, deleting %v keys", id, len(l.keys))
	}

	if expired > 0 {
		a.revision++
	}
}
