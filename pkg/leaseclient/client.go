// Package leaseclient wraps the unary calls of the etcd Lease service
// and pairs Grant with keep-alive tracking.
package leaseclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc"
	klogv2 "k8s.io/klog/v2"

	"github.com/khenidak/leasekeeper/pkg/keepalive"
	"github.com/khenidak/leasekeeper/pkg/leaseerrors"
	"github.com/khenidak/leasekeeper/pkg/retryable"
	"github.com/khenidak/leasekeeper/pkg/transport"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultRetryCount     = 3
)

// ErrGrantRejected is returned when the authority answers a grant with
// an error message instead of a lease
var ErrGrantRejected = errors.New("lease grant rejected")

type Client struct {
	conn    *grpc.ClientConn
	lease   etcdserverpb.LeaseClient
	timeout time.Duration
	retries int
	log     logr.Logger
}

type Option func(*Client)

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryCount bounds retries of idempotent calls on transient errors
func WithRetryCount(n int) Option {
	return func(c *Client) { c.retries = n }
}

func WithLogger(l logr.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(conn *grpc.ClientConn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		lease:   etcdserverpb.NewLeaseClient(conn),
		timeout: DefaultRequestTimeout,
		retries: DefaultRetryCount,
		log:     klogv2.NewKlogr(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// retry runs fn with a per attempt timeout, retrying transient failures
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retryable.RetryWithOpts(ctx, func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && leaseerrors.IsRetryable(err) {
			c.log.V(4).Info("lease call failed, will retry", "op", op, "attempt", attempt, "err", err.Error())
		}
		return err
	},
		retryable.WithRetryableErrorFilter(leaseerrors.IsRetryable),
		retryable.WithMaxRetryCount(c.retries),
	)
}

// Grant asks for a lease of ttl seconds. id 0 lets the authority pick
// one. Grant is not retried: a lost response would leak a lease.
func (c *Client) Grant(ctx context.Context, ttl int64, id int64) (*etcdserverpb.LeaseGrantResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.lease.LeaseGrant(callCtx, &etcdserverpb.LeaseGrantRequest{TTL: ttl, ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to grant lease ttl:%v with err:%w", ttl, err)
	}

	if len(resp.Error) != 0 {
		return nil, fmt.Errorf("%w: %s", ErrGrantRejected, resp.Error)
	}
	return resp, nil
}

func (c *Client) Revoke(ctx context.Context, id int64) error {
	err := c.retry(ctx, "revoke", func(ctx context.Context) error {
		_, err := c.lease.LeaseRevoke(ctx, &etcdserverpb.LeaseRevokeRequest{ID: id})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to revoke lease:%x with err:%w", id, err)
	}
	return nil
}

// TimeToLive reports the remaining ttl of a lease, -1 when the lease
// does not exist. keys asks for the keys attached to the lease.
func (c *Client) TimeToLive(ctx context.Context, id int64, keys bool) (*etcdserverpb.LeaseTimeToLiveResponse, error) {
	var resp *etcdserverpb.LeaseTimeToLiveResponse
	err := c.retry(ctx, "ttl", func(ctx context.Context) error {
		var err error
		resp, err = c.lease.LeaseTimeToLive(ctx, &etcdserverpb.LeaseTimeToLiveRequest{ID: id, Keys: keys})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ttl of lease:%x with err:%w", id, err)
	}
	return resp, nil
}

// Leases lists the ids of every lease the authority holds
func (c *Client) Leases(ctx context.Context) ([]int64, error) {
	var resp *etcdserverpb.LeaseLeasesResponse
	err := c.retry(ctx, "leases", func(ctx context.Context) error {
		var err error
		resp, err = c.lease.LeaseLeases(ctx, &etcdserverpb.LeaseLeasesRequest{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list leases with err:%w", err)
	}

	ids := make([]int64, 0, len(resp.Leases))
	for _, l := range resp.Leases {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// KeepAliveOnce renews a lease once on a dedicated keep-alive stream.
// A lease the authority no longer has is reported as ErrLeaseNotFound.
func (c *Client) KeepAliveOnce(ctx context.Context, id int64) (*etcdserverpb.LeaseKeepAliveResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := transport.NewGRPCDialer(c.conn).Open(callCtx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Send(&etcdserverpb.LeaseKeepAliveRequest{ID: id}); err != nil {
		return nil, err
	}

	// the stream is ours alone, the first response answers our request
	resp, err := stream.Recv()
	if err != nil {
		return nil, err
	}

	if resp.TTL <= 0 {
		return nil, rpctypes.ErrLeaseNotFound
	}
	return resp, nil
}

// GrantAndKeepAlive grants a lease and hands it to m. When m refuses the
// lease it is revoked again.
func (c *Client) GrantAndKeepAlive(ctx context.Context, m *keepalive.Manager, ttl int64, id int64) (*etcdserverpb.LeaseGrantResponse, *keepalive.Handle, error) {
	resp, err := c.Grant(ctx, ttl, id)
	if err != nil {
		return nil, nil, err
	}

	h, err := m.Register(ctx, resp.ID, resp.TTL, keepalive.WithRequestedTTL(ttl))
	if err != nil {
		// ctx may be what failed Register
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if revokeErr := c.Revoke(revokeCtx, resp.ID); revokeErr != nil {
			c.log.Error(revokeErr, "failed to revoke untracked lease", "lease", resp.ID)
		}
		return nil, nil, fmt.Errorf("failed to keep lease:%x alive with err:%w", resp.ID, err)
	}
	return resp, h, nil
}
