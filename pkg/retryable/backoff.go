package retryable

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultMultiplier      = 2.0
	DefaultJitterFraction  = 0.2
)

// Backoff computes exponentially growing waits bounded by Max. Jitter
// is subtractive: every wait is within [base*(1-JitterFraction), base]
// so Max is never exceeded. Backoff is not safe for concurrent use.
type Backoff struct {
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64
	JitterFraction float64

	attempt int
	rnd     func() float64
}

var (
	sharedRandLock sync.Mutex
	sharedRand     = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func sharedFloat64() float64 {
	sharedRandLock.Lock()
	defer sharedRandLock.Unlock()
	return sharedRand.Float64()
}

// NewBackoff creates a backoff with default multiplier and jitter
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		Initial:        initial,
		Max:            max,
		Multiplier:     DefaultMultiplier,
		JitterFraction: DefaultJitterFraction,
	}
}

// Next returns the wait before the next attempt and advances the backoff
func (b *Backoff) Next() time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultInitialInterval
	}
	max := b.Max
	if max < initial {
		max = initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}

	base := float64(initial)
	for i := 0; i < b.attempt && base < float64(max); i++ {
		base = base * mult
	}
	if base > float64(max) {
		base = float64(max)
	}
	b.attempt++

	jitter := b.JitterFraction
	if jitter <= 0 {
		return time.Duration(base)
	}
	if jitter > 1 {
		jitter = 1
	}

	r := b.rnd
	if r == nil {
		r = sharedFloat64
	}
	return time.Duration(base - base*jitter*r())
}

// Reset starts over from Initial. Called after a successful attempt
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts is the number of waits handed out since the last reset
func (b *Backoff) Attempts() int {
	return b.attempt
}
