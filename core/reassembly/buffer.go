// Package reassembly recovers fixed-length frames from arbitrarily chunked
// byte deliveries.
//
// The Buffer accumulates bytes from the transport, resynchronizes on the
// frame sentinel and hands out full-length candidate windows. A partial
// candidate whose first byte is older than the inter-byte timeout is
// dropped, so a stalled fragment can neither block later frames nor be
// emitted as if it were complete. Candidates are not integrity-checked
// here; that is the checksum's job. A candidate that fails it is handed
// back with Reject so the scan resumes one byte past its sentinel.
package reassembly

import (
	"bytes"
	"iter"
	"log/slog"
	"time"

	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/internal/syncutil"
)

const (
	// DefaultInterByteTimeout is how long a partial candidate may wait for
	// its remaining bytes.
	DefaultInterByteTimeout = 2 * time.Second

	// DefaultMaxBuffered caps the accumulator. On overflow the oldest data
	// is discarded in favor of the newest.
	DefaultMaxBuffered = 4096
)

// DiscardReason says why bytes were thrown away.
type DiscardReason int

const (
	// DiscardGarbage is noise in front of (or instead of) a sentinel.
	DiscardGarbage DiscardReason = iota
	// DiscardStale is a partial candidate that outlived the inter-byte timeout.
	DiscardStale
	// DiscardOverflow is data dropped because the accumulator was full.
	DiscardOverflow
	// DiscardReset is data dropped by an explicit Reset.
	DiscardReset
)

func (r DiscardReason) String() string {
	switch r {
	case DiscardGarbage:
		return "garbage"
	case DiscardStale:
		return "stale"
	case DiscardOverflow:
		return "overflow"
	case DiscardReset:
		return "reset"
	default:
		return "unknown"
	}
}

// DiscardHandler is notified after bytes are discarded. It is called
// without the buffer lock held.
type DiscardHandler func(reason DiscardReason, n int)

// Config configures a Buffer.
type Config struct {
	// InterByteTimeout bounds how long a partial candidate waits for more
	// data. Default: 2s.
	InterByteTimeout time.Duration
	// MaxBuffered caps the accumulated bytes. Default: 4096.
	MaxBuffered int
	// Clock is the time source. Default: the system clock.
	Clock clock.Clock
	// OnDiscard, if set, is told about every discard.
	OnDiscard DiscardHandler
	// Logger for reassembly events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Stats are cumulative counters for a Buffer.
type Stats struct {
	Emitted        uint64
	StaleFragments uint64
	GarbageBytes   uint64
	Overflows      uint64
	Resets         uint64
	Rejected       uint64
}

// arrival records when the chunk starting at offset was appended.
type arrival struct {
	offset int
	at     time.Time
}

// Buffer is the reassembly accumulator. The window always begins at the
// resynchronization cursor: consumed bytes are compacted away.
type Buffer struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu       syncutil.Mutex
	window   []byte
	arrivals []arrival
	stats    Stats

	// last is the most recent candidate from Next, with the arrival marks
	// that covered it, kept until Reject or the next Next.
	last         []byte
	lastArrivals []arrival
}

type discard struct {
	reason DiscardReason
	n      int
}

// New creates a Buffer with the given configuration.
func New(cfg Config) *Buffer {
	if cfg.InterByteTimeout <= 0 {
		cfg.InterByteTimeout = DefaultInterByteTimeout
	}
	if cfg.MaxBuffered < codec.FrameSize {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:    cfg,
		clk:    clock.OrReal(cfg.Clock),
		log:    logger.WithGroup("reassembly"),
		window: make([]byte, 0, cfg.MaxBuffered),
	}
}

// Write appends a chunk from the transport. Stale partial candidates are
// expired before the new bytes are appended. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	var dropped []discard
	b.scan(&dropped, false)

	if len(b.window)+len(p) > b.cfg.MaxBuffered {
		dropped = append(dropped, discard{DiscardOverflow, len(b.window)})
		b.stats.Overflows++
		b.clear()
		if len(p) > b.cfg.MaxBuffered {
			dropped = append(dropped, discard{DiscardOverflow, len(p) - b.cfg.MaxBuffered})
			p = p[len(p)-b.cfg.MaxBuffered:]
		}
	}

	b.arrivals = append(b.arrivals, arrival{offset: len(b.window), at: b.clk.Now()})
	b.window = append(b.window, p...)
	b.mu.Unlock()

	b.notify(dropped)
	return len(p), nil
}

// Next returns the next full-length candidate, advancing the cursor past it.
// ok is false when no complete candidate is available yet.
func (b *Buffer) Next() (candidate []byte, ok bool) {
	b.mu.Lock()
	b.last = nil
	var dropped []discard
	candidate, ok = b.scan(&dropped, true)
	b.mu.Unlock()

	b.notify(dropped)
	return candidate, ok
}

// Candidates yields every complete candidate currently available. The
// sequence is restartable: calling it again after more data is written
// resumes from the cursor.
func (b *Buffer) Candidates() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			c, ok := b.Next()
			if !ok || !yield(c) {
				return
			}
		}
	}
}

// Expire drops a stale partial candidate without waiting for new data.
// It returns the number of fragments dropped.
func (b *Buffer) Expire() int {
	b.mu.Lock()
	before := b.stats.StaleFragments
	var dropped []discard
	b.scan(&dropped, false)
	n := int(b.stats.StaleFragments - before)
	b.mu.Unlock()

	b.notify(dropped)
	return n
}

// Reject puts the candidate last returned by Next back at the front of the
// buffer, minus its first byte, so a frame that starts inside it is still
// found. It reports whether the candidate held another sentinel, which
// means it was a truncated fragment overrun by the next frame rather than
// a corrupted frame.
func (b *Buffer) Reject() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := b.last
	if last == nil {
		return false
	}
	b.last = nil
	rest := last[1:]

	window := make([]byte, 0, len(rest)+len(b.window))
	window = append(window, rest...)
	window = append(window, b.window...)

	arrivals := make([]arrival, 0, len(b.lastArrivals)+len(b.arrivals))
	for i, a := range b.lastArrivals {
		a.offset--
		if a.offset <= 0 {
			if i+1 < len(b.lastArrivals) && b.lastArrivals[i+1].offset-1 <= 0 {
				continue
			}
			a.offset = 0
		}
		arrivals = append(arrivals, a)
	}
	for _, a := range b.arrivals {
		a.offset += len(rest)
		arrivals = append(arrivals, a)
	}

	b.window = window
	b.arrivals = arrivals
	b.stats.Rejected++
	return bytes.Contains(rest, codec.Sentinel[:])
}

// Reset discards everything accumulated so far.
func (b *Buffer) Reset() {
	b.mu.Lock()
	n := len(b.window)
	b.clear()
	b.last = nil
	b.stats.Resets++
	b.mu.Unlock()

	b.log.Debug("buffer reset", "discarded", n)
	b.notify([]discard{{DiscardReset, n}})
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.window)
}

// Stats returns a copy of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// scan resynchronizes on the sentinel, expiring stale partials, and
// extracts one candidate if emit is set and one is available. Must be
// called with b.mu held.
func (b *Buffer) scan(dropped *[]discard, emit bool) ([]byte, bool) {
	sentinel := codec.Sentinel[:]
	for {
		if len(b.window) == 0 {
			return nil, false
		}

		idx := bytes.Index(b.window, sentinel)
		if idx < 0 {
			// Keep a trailing first sentinel byte: its partner may be in flight.
			keep := 0
			if b.window[len(b.window)-1] == sentinel[0] {
				keep = 1
			}
			if n := len(b.window) - keep; n > 0 {
				b.advance(n)
				b.stats.GarbageBytes += uint64(n)
				*dropped = append(*dropped, discard{DiscardGarbage, n})
			}
			if keep == 1 && b.stale() {
				b.advance(1)
				b.stats.GarbageBytes++
				*dropped = append(*dropped, discard{DiscardGarbage, 1})
			}
			return nil, false
		}
		if idx > 0 {
			b.advance(idx)
			b.stats.GarbageBytes += uint64(idx)
			*dropped = append(*dropped, discard{DiscardGarbage, idx})
		}

		if len(b.window) < codec.FrameSize {
			if !b.stale() {
				return nil, false
			}
			b.log.Debug("dropping stale fragment", "bytes", len(b.window),
				"age", b.clk.Since(b.arrivals[0].at))
			b.advance(len(sentinel))
			b.stats.StaleFragments++
			*dropped = append(*dropped, discard{DiscardStale, len(sentinel)})
			continue
		}

		if !emit {
			return nil, false
		}
		out := make([]byte, codec.FrameSize)
		copy(out, b.window[:codec.FrameSize])
		b.last = out
		b.lastArrivals = b.lastArrivals[:0]
		for _, a := range b.arrivals {
			if a.offset >= codec.FrameSize {
				break
			}
			b.lastArrivals = append(b.lastArrivals, a)
		}
		b.advance(codec.FrameSize)
		b.stats.Emitted++
		return out, true
	}
}

// stale reports whether the byte at the cursor arrived more than the
// inter-byte timeout ago.
func (b *Buffer) stale() bool {
	if len(b.arrivals) == 0 {
		return false
	}
	return b.clk.Since(b.arrivals[0].at) > b.cfg.InterByteTimeout
}

// advance moves the cursor n bytes forward and compacts the window.
func (b *Buffer) advance(n int) {
	if n >= len(b.window) {
		b.clear()
		return
	}
	b.window = append(b.window[:0], b.window[n:]...)

	// Rebase arrival marks; the mark covering the new cursor moves to 0.
	kept := b.arrivals[:0]
	for i, a := range b.arrivals {
		a.offset -= n
		if a.offset <= 0 {
			if i+1 < len(b.arrivals) && b.arrivals[i+1].offset-n <= 0 {
				continue
			}
			a.offset = 0
		}
		kept = append(kept, a)
	}
	b.arrivals = kept
}

func (b *Buffer) clear() {
	b.window = b.window[:0]
	b.arrivals = b.arrivals[:0]
}

func (b *Buffer) notify(dropped []discard) {
	if b.cfg.OnDiscard == nil {
		return
	}
	for _, d := range dropped {
		if d.n > 0 {
			b.cfg.OnDiscard(d.reason, d.n)
		}
	}
}
