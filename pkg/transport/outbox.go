package transport

import (
	"context"
	"sync"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
)

const DefaultOutboxSize = 128

// Outbox is the bounded outbound path to a stream. A single pump
// goroutine drains it into Stream.Send. When the queue is full Enqueue
// blocks: requests are throttled, never dropped.
type Outbox struct {
	stream Stream
	queue  chan *etcdserverpb.LeaseKeepAliveRequest

	failed   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	lock sync.Mutex
	err  error
}

func NewOutbox(stream Stream, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	o := &Outbox{
		stream: stream,
		queue:  make(chan *etcdserverpb.LeaseKeepAliveRequest, size),
		failed: make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go o.pump()
	return o
}

func (o *Outbox) pump() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case req := <-o.queue:
			// stop wins over a full queue
			select {
			case <-o.stop:
				return
			default:
			}
			if err := o.stream.Send(req); err != nil {
				o.fail(err)
				return
			}
		}
	}
}

func (o *Outbox) fail(err error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.err = err
	close(o.failed)
}

// Enqueue queues req for sending. It blocks while the queue is full and
// returns early with ctx.Err(), the send failure of the stream, or
// ErrStreamClosed when the outbox was closed.
func (o *Outbox) Enqueue(ctx context.Context, req *etcdserverpb.LeaseKeepAliveRequest) error {
	// a failed or closed outbox never accepts more work even if
	// there is room in the queue
	select {
	case <-o.failed:
		return o.Err()
	case <-o.stop:
		return ErrStreamClosed
	default:
	}

	select {
	case o.queue <- req:
		return nil
	case <-o.failed:
		return o.Err()
	case <-o.stop:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed is closed once a send on the stream fails
func (o *Outbox) Failed() <-chan struct{} {
	return o.failed
}

func (o *Outbox) Err() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.err
}

// Len is the number of queued requests not yet handed to the stream
func (o *Outbox) Len() int {
	return len(o.queue)
}

func (o *Outbox) Cap() int {
	return cap(o.queue)
}

// Close stops the pump and waits for it to return. It does not close
// the stream: a pump blocked in Send returns only once the stream is
// closed, so close the stream first.
func (o *Outbox) Close() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
	<-o.done
}
