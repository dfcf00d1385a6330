package types

import (
	"fmt"
	"time"
)

type EventKind int

const (
	// lease was renewed, Deadline carries the new deadline
	EventRenewed EventKind = iota
	// authority reported the lease as gone (ttl == 0)
	EventRevoked
	// no acknowledgement arrived before the deadline
	EventExpired
	// the manager was closed while the lease was tracked
	EventManagerClosed
)

func (k EventKind) String() string {
	switch k {
	case EventRenewed:
		return "renewed"
	case EventRevoked:
		return "revoked"
	case EventExpired:
		return "expired"
	case EventManagerClosed:
		return "manager_closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is delivered to a lease handle. Every kind other than
// EventRenewed is terminal: it is the last event of the handle.
type Event struct {
	Kind     EventKind
	ID       int64
	TTL      int64
	Deadline time.Time
}

func (e Event) Terminal() bool {
	return e.Kind != EventRenewed
}

func (e Event) String() string {
	if e.Kind == EventRenewed {
		return fmt.Sprintf("lease:%v %v ttl:%v deadline:%v", e.ID, e.Kind, e.TTL, e.Deadline.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("lease:%v %v", e.ID, e.Kind)
}
