// Package dedupe suppresses repeated bus frames.
//
// Wallpads and devices commonly transmit the same frame several times in a
// row. A Filter remembers recently seen frames in a circular buffer and
// reports a frame as a repeat when an identical one was seen within the
// window.
package dedupe

import (
	"time"

	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/core/codec"
)

const (
	// DefaultCapacity is the default number of remembered frames.
	DefaultCapacity = 32
	// DefaultWindow is the default repeat window.
	DefaultWindow = time.Second
)

type entry struct {
	frame codec.Frame
	seen  time.Time
}

// Filter tracks recently seen frames. It is not safe for concurrent use.
type Filter struct {
	entries []entry
	next    int
	window  time.Duration
	clk     clock.Clock

	repeats uint64
}

// New creates a Filter with default capacity and window.
func New(clk clock.Clock) *Filter {
	return NewWithCapacity(DefaultCapacity, DefaultWindow, clk)
}

// NewWithCapacity creates a Filter remembering capacity frames for window.
func NewWithCapacity(capacity int, window time.Duration, clk clock.Clock) *Filter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Filter{
		entries: make([]entry, capacity),
		window:  window,
		clk:     clock.OrReal(clk),
	}
}

// HasSeen reports whether f repeats a frame seen within the window. A
// frame that is not a repeat is recorded. A repeat refreshes its entry, so
// a steady stream of identical frames stays suppressed.
func (d *Filter) HasSeen(f codec.Frame) bool {
	now := d.clk.Now()
	for i := range d.entries {
		e := &d.entries[i]
		if e.seen.IsZero() || e.frame != f {
			continue
		}
		if now.Sub(e.seen) < d.window {
			e.seen = now
			d.repeats++
			return true
		}
	}

	d.entries[d.next] = entry{frame: f, seen: now}
	d.next = (d.next + 1) % len(d.entries)
	return false
}

// Repeats returns how many frames were reported as repeats.
func (d *Filter) Repeats() uint64 { return d.repeats }

// Clear resets the filter, forgetting all previously seen frames.
func (d *Filter) Clear() {
	clear(d.entries)
	d.next = 0
}
