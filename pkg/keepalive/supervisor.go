package keepalive

import (
	"context"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"

	"github.com/khenidak/leasekeeper/pkg/transport"
	"github.com/khenidak/leasekeeper/pkg/types"
)

// session is one established stream and its outbound queue
type session struct {
	gen    uint64
	stream transport.Stream
	outbox *transport.Outbox
	stop   chan struct{}
	// cancels the context the stream was opened under
	cancel context.CancelFunc
}

type recvResult struct {
	gen  uint64
	resp *etcdserverpb.LeaseKeepAliveResponse
	err  error
}

type dialResult struct {
	gen    uint64
	stream transport.Stream
	err    error
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// run is the supervisor loop. It is the only goroutine that touches the
// registry, the scheduler and the session.
func (m *Manager) run() {
	defer close(m.done)
	defer m.shutdown()

	m.connect()
	for {
		var wake *time.Timer
		if at, ok := m.sched.next(); ok {
			wake = time.NewTimer(time.Until(at))
		}

		select {
		case <-m.ctx.Done():
			stopTimer(wake)
			return
		case req := <-m.registerCh:
			m.register(req)
		case <-m.cancels.notify:
			m.applyCancels()
		case reply := <-m.queryCh:
			reply <- m.reg.snapshot()
		case r := <-m.dialCh:
			m.dialed(r)
		case <-timerC(m.dialTimer):
			m.dialTimedOut()
		case <-timerC(m.retryTimer):
			m.retryTimer = nil
			m.connect()
		case <-m.sessionFailed():
			m.recover(m.session.outbox.Err())
		case r := <-m.recvCh:
			m.received(r)
		case <-timerC(wake):
			m.fire(time.Now())
		}
		stopTimer(wake)
	}
}

// connect opens a stream in the background, the loop keeps expiring
// leases while the dial is in flight
func (m *Manager) connect() {
	m.gen++
	gen := m.gen
	dialCtx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.dialTimer = time.NewTimer(m.dialTimeout)
	m.log.V(4).Info("opening keep-alive stream", "generation", gen)

	// dialCtx outlives the dial, it is the parent of the stream
	go func() {
		stream, err := m.dialer.Open(dialCtx)
		select {
		case m.dialCh <- dialResult{gen: gen, stream: stream, err: err}:
		case <-m.ctx.Done():
			if stream != nil {
				_ = stream.Close()
			}
		}
	}()
}

func (m *Manager) dialed(r dialResult) {
	if r.gen != m.gen || m.session != nil {
		// timed out earlier, nobody is waiting for this one
		if r.stream != nil {
			_ = r.stream.Close()
		}
		return
	}

	stopTimer(m.dialTimer)
	m.dialTimer = nil

	cancel := m.dialCancel
	m.dialCancel = nil

	if r.err != nil {
		cancel()
		m.metrics.dialFailures.Inc()
		m.log.Error(r.err, "failed to open keep-alive stream", "attempt", m.backoff.Attempts()+1)
		m.scheduleRetry()
		return
	}

	m.session = &session{
		gen:    r.gen,
		stream: r.stream,
		outbox: transport.NewOutbox(r.stream, m.sendQueueSize),
		stop:   make(chan struct{}),
		cancel: cancel,
	}
	go m.receive(m.session)

	m.setState(StateStreaming)
	m.metrics.streaming.Set(1)
	m.log.Info("keep-alive stream established", "generation", r.gen, "leases", m.reg.len())

	// anything in flight on a previous stream is lost
	m.resendAll()
}

func (m *Manager) dialTimedOut() {
	m.dialTimer = nil
	// invalidates the in-flight dial and unblocks it
	m.gen++
	m.cancelDial()
	m.metrics.dialFailures.Inc()
	m.log.Info("timed out opening keep-alive stream", "timeout", m.dialTimeout)
	m.scheduleRetry()
}

func (m *Manager) cancelDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

func (m *Manager) scheduleRetry() {
	wait := m.backoff.Next()
	m.log.V(4).Info("retrying keep-alive stream", "after", wait)
	m.retryTimer = time.NewTimer(wait)
}

func (m *Manager) receive(s *session) {
	for {
		resp, err := s.stream.Recv()
		select {
		case m.recvCh <- recvResult{gen: s.gen, resp: resp, err: err}:
		case <-s.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) sessionFailed() <-chan struct{} {
	if m.session == nil {
		return nil
	}
	return m.session.outbox.Failed()
}

func (m *Manager) received(r recvResult) {
	if m.session == nil || r.gen != m.session.gen {
		return
	}

	if r.err != nil {
		m.recover(r.err)
		return
	}

	m.dispatch(r.resp, time.Now())
}

// recover discards the current stream and schedules a reconnect. Lease
// state is untouched; leases keep waking up on their deadlines.
func (m *Manager) recover(err error) {
	if m.session == nil {
		return
	}

	if transport.IsStreamClosed(err) {
		m.log.Info("keep-alive stream closed by authority", "generation", m.session.gen)
	} else {
		m.log.Error(err, "keep-alive stream failed", "generation", m.session.gen, "protocol", transport.IsProtocolError(err))
	}

	m.metrics.streamFailures.Inc()
	m.metrics.streaming.Set(0)
	m.discardSession()
	m.setState(StateRecovering)
	m.scheduleRetry()
}

func (m *Manager) discardSession() {
	s := m.session
	if s == nil {
		return
	}
	m.session = nil
	close(s.stop)
	// the stream first, it unblocks a pump stuck in Send
	_ = s.stream.Close()
	s.outbox.Close()
	s.cancel()
}

// fire acts on every lease whose scheduled time arrived
func (m *Manager) fire(now time.Time) {
	for _, id := range m.sched.popDue(now) {
		if m.ctx.Err() != nil {
			return
		}

		e := m.reg.get(id)
		if e == nil {
			continue
		}

		if !now.Before(e.lease.Deadline) {
			m.terminate(e, types.EventExpired)
			continue
		}

		if m.session == nil {
			// nothing to send on, wake up again at the deadline
			m.sched.schedule(id, e.lease.Deadline)
			continue
		}

		m.send(e)
	}
}

// resendAll renews every tracked lease on a fresh stream, expiring the
// ones whose deadline already passed
func (m *Manager) resendAll() {
	now := time.Now()
	for _, id := range m.reg.ids() {
		if m.session == nil || m.ctx.Err() != nil {
			return
		}

		e := m.reg.get(id)
		if e == nil {
			continue
		}

		if !now.Before(e.lease.Deadline) {
			m.terminate(e, types.EventExpired)
			continue
		}
		m.send(e)
	}
}

// send blocks while the outbound queue is full
func (m *Manager) send(e *leaseEntry) {
	id := e.lease.ID
	err := m.session.outbox.Enqueue(m.ctx, &etcdserverpb.LeaseKeepAliveRequest{ID: id})
	if err != nil {
		if m.ctx.Err() != nil {
			// shutting down, the handle is finished by shutdown()
			return
		}
		m.sched.schedule(id, e.lease.Deadline)
		m.recover(err)
		return
	}

	now := time.Now()
	m.metrics.renewalsSent.Inc()
	if !now.Before(e.lease.Deadline) {
		// held by backpressure past the deadline, any ack that still
		// arrives is for an untracked lease
		m.terminate(e, types.EventExpired)
		return
	}

	e.lastSent = now
	next := now.Add(e.interval)
	if next.After(e.lease.Deadline) {
		next = e.lease.Deadline
	}
	m.sched.schedule(id, next)
}

func (m *Manager) shutdown() {
	m.setState(StateShutDown)
	m.metrics.streaming.Set(0)
	m.discardSession()

	stopTimer(m.dialTimer)
	stopTimer(m.retryTimer)
	m.dialTimer, m.retryTimer = nil, nil
	m.cancelDial()

	for _, id := range m.reg.ids() {
		e := m.reg.get(id)
		m.reg.remove(id)
		m.sched.remove(id)
		e.handle.finish(types.Event{
			Kind:     types.EventManagerClosed,
			ID:       id,
			TTL:      e.lease.GrantedTTL,
			Deadline: e.lease.Deadline,
		})
	}
	m.metrics.trackedLeases.Set(0)
	m.cancels.take()
	m.log.Info("keep-alive manager shut down")
}
