package keepalive

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/khenidak/leasekeeper/pkg/retryable"
)

const (
	DefaultMinRenewInterval = time.Second
	DefaultDialTimeout      = 5 * time.Second
)

type Option func(*Manager)

func WithLogger(l logr.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMinRenewInterval bounds ttl/3 from below
func WithMinRenewInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.minInterval = d
		}
	}
}

// WithDialTimeout bounds how long a single stream open may take
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithBackoff sets the reconnect backoff. b is copied.
func WithBackoff(b retryable.Backoff) Option {
	return func(m *Manager) {
		b.Reset()
		m.backoff = b
	}
}

// WithSendQueueSize bounds the outbound queue of each stream
func WithSendQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sendQueueSize = n
		}
	}
}

// WithRegisterer registers the manager metrics with reg. Every manager
// adds a "manager" const label so several managers can share reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerer = reg }
}

type RegisterOption func(*registerRequest)

// WithRequestedTTL records the ttl asked for at grant time
func WithRequestedTTL(ttl int64) RegisterOption {
	return func(r *registerRequest) { r.requestedTTL = ttl }
}

func defaultBackoff() retryable.Backoff {
	return *retryable.NewBackoff(retryable.DefaultInitialInterval, retryable.DefaultMaxInterval)
}
