package keepalive

import (
	"testing"
	"time"
)

func TestSchedulerOrdering(t *testing.T) {
	s := newScheduler()
	base := time.Now()

	s.schedule(3, base.Add(30*time.Millisecond))
	s.schedule(1, base.Add(10*time.Millisecond))
	s.schedule(2, base.Add(20*time.Millisecond))

	at, ok := s.next()
	if !ok || !at.Equal(base.Add(10*time.Millisecond)) {
		t.Fatalf("expected next at +10ms got %v %v", at.Sub(base), ok)
	}

	due := s.popDue(base.Add(25 * time.Millisecond))
	if len(due) != 2 || due[0] != 1 || due[1] != 2 {
		t.Fatalf("expected [1 2] due got %v", due)
	}

	if s.len() != 1 {
		t.Fatalf("expected 1 remaining entry got %v", s.len())
	}
}

func TestSchedulerReschedule(t *testing.T) {
	s := newScheduler()
	base := time.Now()

	s.schedule(1, base.Add(10*time.Millisecond))
	s.schedule(2, base.Add(20*time.Millisecond))
	// moving an existing entry must not duplicate it
	s.schedule(1, base.Add(30*time.Millisecond))

	if s.len() != 2 {
		t.Fatalf("expected 2 entries got %v", s.len())
	}

	at, _ := s.scheduledAt(1)
	if !at.Equal(base.Add(30 * time.Millisecond)) {
		t.Fatalf("expected lease 1 at +30ms got %v", at.Sub(base))
	}

	due := s.popDue(base.Add(time.Hour))
	if len(due) != 2 || due[0] != 2 || due[1] != 1 {
		t.Fatalf("expected [2 1] due got %v", due)
	}
}

func TestSchedulerRemoveIsIdempotent(t *testing.T) {
	s := newScheduler()
	base := time.Now()

	for i := int64(1); i <= 5; i++ {
		s.schedule(i, base.Add(time.Duration(i)*time.Millisecond))
	}

	s.remove(3)
	s.remove(3)
	s.remove(42)

	if s.len() != 4 {
		t.Fatalf("expected 4 entries got %v", s.len())
	}
	if _, ok := s.scheduledAt(3); ok {
		t.Fatalf("expected lease 3 to be removed")
	}

	due := s.popDue(base.Add(time.Hour))
	expected := []int64{1, 2, 4, 5}
	for i, id := range expected {
		if due[i] != id {
			t.Fatalf("expected due %v got %v", expected, due)
		}
	}

	if _, ok := s.next(); ok {
		t.Fatalf("expected empty scheduler")
	}
}

func TestRenewInterval(t *testing.T) {
	testCases := []struct {
		name     string
		ttl      time.Duration
		min      time.Duration
		expected time.Duration
	}{
		{name: "third", ttl: 30 * time.Second, min: time.Second, expected: 10 * time.Second},
		{name: "ten-seconds", ttl: 10 * time.Second, min: time.Second, expected: 10 * time.Second / 3},
		{name: "bounded-by-min", ttl: 2 * time.Second, min: time.Second, expected: time.Second},
		{name: "min-leaves-no-room", ttl: time.Second, min: time.Second, expected: 500 * time.Millisecond},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := renewInterval(testCase.ttl, testCase.min); got != testCase.expected {
				t.Fatalf("expected %v got %v", testCase.expected, got)
			}
		})
	}
}
