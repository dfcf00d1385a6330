package keepalive

import (
	"context"
	"sync"

	"github.com/khenidak/leasekeeper/pkg/types"
)

// Handle is what the application holds for a registered lease. Events
// are written by the manager only; the channel carries at most one
// pending event and a newer renewal replaces an unread one. The last
// event is terminal and the channel is closed after it. A canceled
// handle is closed without a terminal event.
type Handle struct {
	id     int64
	events chan types.Event

	cancelOnce sync.Once
	cancels    *cancelMailbox

	// owned by the supervisor loop
	closed bool
}

func newHandle(id int64, cancels *cancelMailbox) *Handle {
	return &Handle{
		id:      id,
		events:  make(chan types.Event, 1),
		cancels: cancels,
	}
}

func (h *Handle) ID() int64 {
	return h.id
}

// Events is finite and can only be consumed once
func (h *Handle) Events() <-chan types.Event {
	return h.events
}

// Next blocks for the next event. ok is false when the sequence ended
// or ctx is done.
func (h *Handle) Next(ctx context.Context) (types.Event, bool) {
	select {
	case e, ok := <-h.events:
		return e, ok
	case <-ctx.Done():
		return types.Event{}, false
	}
}

// Cancel stops renewals for this lease. It is asynchronous, idempotent
// and never blocks. It does not revoke the lease on the authority.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.cancels.put(h)
	})
}

// publish replaces any unread event with e. Only the supervisor loop
// writes, so after the drain there is always room.
func (h *Handle) publish(e types.Event) {
	if h.closed {
		return
	}
	select {
	case <-h.events:
	default:
	}
	h.events <- e
}

func (h *Handle) finish(e types.Event) {
	h.publish(e)
	h.close()
}

func (h *Handle) close() {
	if h.closed {
		return
	}
	h.closed = true
	close(h.events)
}

// cancelMailbox collects cancel signals from application goroutines
// without blocking them on the supervisor loop.
type cancelMailbox struct {
	lock    sync.Mutex
	pending []*Handle
	notify  chan struct{}
}

func newCancelMailbox() *cancelMailbox {
	return &cancelMailbox{
		notify: make(chan struct{}, 1),
	}
}

func (m *cancelMailbox) put(h *Handle) {
	m.lock.Lock()
	m.pending = append(m.pending, h)
	m.lock.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *cancelMailbox) take() []*Handle {
	m.lock.Lock()
	defer m.lock.Unlock()
	all := m.pending
	m.pending = nil
	return all
}
