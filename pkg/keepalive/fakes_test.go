package keepalive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"go.etcd.io/etcd/api/v3/etcdserverpb"

	"github.com/khenidak/leasekeeper/pkg/retryable"
	"github.com/khenidak/leasekeeper/pkg/transport"
	"github.com/khenidak/leasekeeper/pkg/types"
)

// all loop driven tests run with 1 ttl second == 10ms
const testTTLUnit = 10 * time.Millisecond

const waitFor = 2 * time.Second

func withTTLUnit(d time.Duration) Option {
	return func(m *Manager) { m.ttlUnit = d }
}

type recvItem struct {
	resp *etcdserverpb.LeaseKeepAliveResponse
	err  error
}

type fakeStream struct {
	sent      chan int64
	resps     chan recvItem
	gate      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(gate chan struct{}) *fakeStream {
	return &fakeStream{
		sent:   make(chan int64, 1024),
		resps:  make(chan recvItem, 1024),
		gate:   gate,
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Send(req *etcdserverpb.LeaseKeepAliveRequest) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.closed:
			return transport.ErrStreamClosed
		}
	}

	select {
	case s.sent <- req.ID:
		return nil
	case <-s.closed:
		return transport.ErrStreamClosed
	}
}

func (s *fakeStream) Recv() (*etcdserverpb.LeaseKeepAliveResponse, error) {
	select {
	case it := <-s.resps:
		return it.resp, it.err
	case <-s.closed:
		return nil, transport.ErrStreamClosed
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) respond(id, ttl int64) {
	s.resps <- recvItem{resp: &etcdserverpb.LeaseKeepAliveResponse{ID: id, TTL: ttl}}
}

func (s *fakeStream) fail(err error) {
	s.resps <- recvItem{err: err}
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	lock    sync.Mutex
	failing bool
	gate    chan struct{}
	opens   int

	streams chan *fakeStream
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		streams: make(chan *fakeStream, 64),
	}
}

func (d *fakeDialer) Open(ctx context.Context) (transport.Stream, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.opens++
	if d.failing {
		return nil, &transport.TransportError{Op: "open", Err: errors.New("connection refused")}
	}

	s := newFakeStream(d.gate)
	d.streams <- s
	return s, nil
}

func (d *fakeDialer) setFailing(failing bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failing = failing
}

func (d *fakeDialer) setGate(gate chan struct{}) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.gate = gate
}

func (d *fakeDialer) openCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.opens
}

func newTestManager(t *testing.T, d transport.Dialer, opts ...Option) *Manager {
	t.Helper()
	all := []Option{
		withTTLUnit(testTTLUnit),
		WithLogger(logr.Discard()),
		WithMinRenewInterval(time.Millisecond),
		WithBackoff(retryable.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}),
	}
	all = append(all, opts...)

	m, err := NewManager(context.Background(), d, all...)
	if err != nil {
		t.Fatalf("failed to create manager with err:%v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// newLoopForTest builds a manager whose loop is not running, tests
// drive register/dispatch/fire by hand
func newLoopForTest() *Manager {
	return &Manager{
		log:         logr.Discard(),
		minInterval: time.Millisecond,
		ttlUnit:     time.Second,
		backoff:     defaultBackoff(),
		metrics:     newMetrics(),
		cancels:     newCancelMailbox(),
		reg:         newRegistry(),
		sched:       newScheduler(),
		ctx:         context.Background(),
	}
}

func registerForTest(t *testing.T, m *Manager, id, ttl int64) *Handle {
	t.Helper()
	req := &registerRequest{id: id, grantedTTL: ttl, requestedTTL: ttl, reply: make(chan registerResult, 1)}
	m.register(req)
	r := <-req.reply
	if r.err != nil {
		t.Fatalf("failed to register lease:%v with err:%v", id, r.err)
	}
	return r.handle
}

func waitStream(t *testing.T, d *fakeDialer) *fakeStream {
	t.Helper()
	select {
	case s := <-d.streams:
		return s
	case <-time.After(waitFor):
		t.Fatalf("no keep-alive stream was opened")
	}
	return nil
}

func waitState(t *testing.T, m *Manager, s State) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if m.State() == s {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("manager did not reach state %v, current %v", s, m.State())
}

func expectSend(t *testing.T, s *fakeStream, id int64) time.Time {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case got := <-s.sent:
			if got == id {
				return time.Now()
			}
		case <-deadline:
			t.Fatalf("no renewal was sent for lease:%v", id)
		}
	}
}

func expectNoSend(t *testing.T, s *fakeStream, id int64, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case got := <-s.sent:
			if got == id {
				t.Fatalf("unexpected renewal sent for lease:%v", id)
			}
		case <-deadline:
			return
		}
	}
}

func expectEvent(t *testing.T, h *Handle, kind types.EventKind) types.Event {
	t.Helper()
	select {
	case e, ok := <-h.Events():
		if !ok {
			t.Fatalf("lease:%v events ended, expected %v", h.ID(), kind)
		}
		if e.Kind != kind {
			t.Fatalf("lease:%v expected event %v got %v", h.ID(), kind, e)
		}
		return e
	case <-time.After(waitFor):
		t.Fatalf("lease:%v did not receive %v", h.ID(), kind)
	}
	return types.Event{}
}

func expectEventsEnded(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case e, ok := <-h.Events():
		if ok {
			t.Fatalf("lease:%v expected events to end, got %v", h.ID(), e)
		}
	case <-time.After(waitFor):
		t.Fatalf("lease:%v events did not end", h.ID())
	}
}

func expectNoEvent(t *testing.T, h *Handle, d time.Duration) {
	t.Helper()
	select {
	case e, ok := <-h.Events():
		if ok {
			t.Fatalf("lease:%v unexpected event %v", h.ID(), e)
		}
		t.Fatalf("lease:%v events ended unexpectedly", h.ID())
	case <-time.After(d):
	}
}

// autoAck acknowledges every renewal on s with ttl until ctx ends
func autoAck(ctx context.Context, s *fakeStream, ttl int64, sent chan<- time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.sent:
			if sent != nil {
				sent <- time.Now()
			}
			s.respond(id, ttl)
		}
	}
}
