package types

import (
	"fmt"
	"time"
)

type LeaseState int

const (
	PendingLease LeaseState = 0
	ActiveLease  LeaseState = 1
	ExpiredLease LeaseState = 2
	RevokedLease LeaseState = 3
)

func (s LeaseState) String() string {
	switch s {
	case PendingLease:
		return "pending"
	case ActiveLease:
		return "active"
	case ExpiredLease:
		return "expired"
	case RevokedLease:
		return "revoked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Lease is the client side view of a lease tracked by a keep-alive manager.
// RequestedTTL and GrantedTTL are in seconds.
type Lease struct {
	ID           int64
	State        LeaseState
	RequestedTTL int64
	GrantedTTL   int64
	Deadline     time.Time
}

// TTLDuration converts granted ttl (seconds) into a duration
func TTLDuration(ttl int64) time.Duration {
	return time.Duration(ttl) * time.Second
}
