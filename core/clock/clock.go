// Package clock provides the time source shared by every bus component.
//
// All timing decisions (inter-byte timeouts, idle gaps, response windows,
// backoff sleeps) go through a Clock so tests can drive them with a fake
// clock instead of real delays.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source used by the engine.
type Clock = clockwork.Clock

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return clockwork.NewRealClock()
}

// OrReal returns c, or the system clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

// Stamper hands out strictly increasing timestamps, even when called
// several times within the resolution of the underlying clock.
type Stamper struct {
	mu   sync.Mutex
	clk  Clock
	last time.Time
}

// NewStamper creates a Stamper on top of clk.
func NewStamper(clk Clock) *Stamper {
	return &Stamper{clk: OrReal(clk)}
}

// Now returns the current time, bumped by one nanosecond past the last
// returned value if the clock has not advanced.
func (s *Stamper) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.clk.Now()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}
