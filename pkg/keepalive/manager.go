// Package keepalive multiplexes renewals for any number of leases over
// one keep-alive stream to the authority.
//
// A single supervisor goroutine owns the stream, the lease registry and
// the deadline scheduler. Registration, cancellation and inbound
// responses reach it as messages, so none of that state is locked.
//
//	m, err := keepalive.NewManager(ctx, transport.NewGRPCDialer(conn))
//	h, err := m.Register(ctx, grant.ID, grant.TTL)
//	for e := range h.Events() {
//		// renewed until a terminal revoked, expired or manager_closed
//	}
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	klogv2 "k8s.io/klog/v2"

	"github.com/khenidak/leasekeeper/pkg/retryable"
	"github.com/khenidak/leasekeeper/pkg/transport"
	"github.com/khenidak/leasekeeper/pkg/types"
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateRecovering
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateRecovering:
		return "recovering"
	case StateShutDown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

var (
	ErrManagerClosed  = errors.New("keep-alive manager is closed")
	ErrLeaseTracked   = errors.New("lease is already tracked")
	ErrInvalidLeaseID = errors.New("lease id must be nonzero")
	ErrInvalidTTL     = errors.New("granted ttl must be positive and at most MaxGrantedTTL")
)

// MaxGrantedTTL is the largest ttl an etcd lessor grants, in seconds
const MaxGrantedTTL = int64(9000000000)

type Manager struct {
	id     string
	dialer transport.Dialer
	log    logr.Logger

	minInterval   time.Duration
	dialTimeout   time.Duration
	sendQueueSize int
	ttlUnit       time.Duration
	backoff       retryable.Backoff
	registerer    prometheus.Registerer
	metrics       *metrics

	ctx        context.Context
	cancel     context.CancelFunc
	registerCh chan *registerRequest
	queryCh    chan chan []types.Lease
	cancels    *cancelMailbox
	done       chan struct{}
	state      atomic.Int32

	// everything below is owned by the supervisor loop
	reg        *registry
	sched      *scheduler
	session    *session
	gen        uint64
	recvCh     chan recvResult
	dialCh     chan dialResult
	dialTimer  *time.Timer
	dialCancel context.CancelFunc
	retryTimer *time.Timer
}

type registerRequest struct {
	id           int64
	grantedTTL   int64
	requestedTTL int64
	reply        chan registerResult
}

type registerResult struct {
	handle *Handle
	err    error
}

// NewManager starts the supervisor. Cancelling ctx has the same effect
// as Close.
func NewManager(ctx context.Context, dialer transport.Dialer, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("keep-alive manager requires a dialer")
	}

	m := &Manager{
		id:            uuid.NewString(),
		dialer:        dialer,
		log:           klogv2.NewKlogr(),
		minInterval:   DefaultMinRenewInterval,
		dialTimeout:   DefaultDialTimeout,
		sendQueueSize: transport.DefaultOutboxSize,
		ttlUnit:       time.Second,
		backoff:       defaultBackoff(),
		metrics:       newMetrics(),
		registerCh:    make(chan *registerRequest),
		queryCh:       make(chan chan []types.Lease),
		cancels:       newCancelMailbox(),
		done:          make(chan struct{}),
		reg:           newRegistry(),
		sched:         newScheduler(),
		recvCh:        make(chan recvResult),
		dialCh:        make(chan dialResult),
	}

	for _, o := range opts {
		o(m)
	}
	m.log = m.log.WithValues("manager", m.id)

	if m.registerer != nil {
		if err := m.metrics.register(m.registerer, m.id); err != nil {
			return nil, fmt.Errorf("failed to register keep-alive metrics with err:%w", err)
		}
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.setState(StateConnecting)
	go m.run()
	return m, nil
}

// ttl on the wire is in seconds
func (m *Manager) ttlDuration(ttl int64) time.Duration {
	return time.Duration(ttl) * m.ttlUnit
}

// ID identifies this manager in logs and metric labels
func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Done is closed once the manager shut down and every handle received
// its terminal event
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Register starts keeping lease id alive. grantedTTL is the ttl in
// seconds the authority granted; the first deadline is now + grantedTTL.
func (m *Manager) Register(ctx context.Context, id int64, grantedTTL int64, opts ...RegisterOption) (*Handle, error) {
	if id == 0 {
		return nil, ErrInvalidLeaseID
	}
	if grantedTTL <= 0 || grantedTTL > MaxGrantedTTL {
		return nil, ErrInvalidTTL
	}

	req := &registerRequest{
		id:           id,
		grantedTTL:   grantedTTL,
		requestedTTL: grantedTTL,
		reply:        make(chan registerResult, 1),
	}
	for _, o := range opts {
		o(req)
	}

	select {
	case m.registerCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrManagerClosed
	}

	// the loop accepted the request, it always replies
	select {
	case r := <-req.reply:
		return r.handle, r.err
	case <-m.done:
		select {
		case r := <-req.reply:
			return r.handle, r.err
		default:
			return nil, ErrManagerClosed
		}
	}
}

// Leases returns a snapshot of tracked leases ordered by id
func (m *Manager) Leases(ctx context.Context) ([]types.Lease, error) {
	reply := make(chan []types.Lease, 1)
	select {
	case m.queryCh <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrManagerClosed
	}

	select {
	case leases := <-reply:
		return leases, nil
	case <-m.done:
		select {
		case leases := <-reply:
			return leases, nil
		default:
			return nil, ErrManagerClosed
		}
	}
}

// Close tears down the stream and delivers manager_closed to every
// tracked handle. Safe to call more than once.
func (m *Manager) Close() error {
	m.cancel()
	<-m.done
	return nil
}
