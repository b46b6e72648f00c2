// Package snapshot persists the last validated raw frame per device so
// state can be rebuilt on start by replaying it through validation.
package snapshot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/internal/syncutil"
	"gopkg.in/yaml.v3"
)

// DefaultInterval is how often Run flushes pending records.
const DefaultInterval = 30 * time.Second

// Entry is one persisted frame.
type Entry struct {
	Frame string    `yaml:"frame"`
	Seen  time.Time `yaml:"seen"`
}

type file struct {
	Version int              `yaml:"version"`
	Frames  map[string]Entry `yaml:"frames"`
}

// Config configures a Store.
type Config struct {
	// Path of the YAML file. Required.
	Path string
	// Interval between background flushes. Default: DefaultInterval.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store keeps the latest frame per peer and command.
type Store struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu      syncutil.Mutex
	entries map[string]Entry
	dirty   bool
}

// New creates a Store. Call Load to read existing entries.
func New(cfg Config) *Store {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:     cfg,
		clk:     clock.OrReal(cfg.Clock),
		log:     logger.WithGroup("snapshot"),
		entries: make(map[string]Entry),
	}
}

// key groups frames by the device they describe and the command that
// described it, so a status reply does not overwrite a different report.
func key(f codec.Frame) (string, bool) {
	peer, ok := f.Peer()
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s/%02x", peer, f.Command), true
}

// Record remembers raw as the latest validated frame for its device.
// Frames without a device peer are ignored.
func (s *Store) Record(raw []byte, f codec.Frame) {
	k, ok := key(f)
	if !ok || len(raw) < codec.FrameSize {
		return
	}
	e := Entry{Frame: hex.EncodeToString(raw[:codec.FrameSize]), Seen: s.clk.Now().UTC()}

	s.mu.Lock()
	s.entries[k] = e
	s.dirty = true
	s.mu.Unlock()
}

// Frames returns the stored raw frames, oldest first. Entries that are not
// valid hex are skipped; validation of the bytes is left to the caller.
func (s *Store) Frames() [][]byte {
	s.mu.Lock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	slices.SortFunc(entries, func(a, b Entry) int { return a.Seen.Compare(b.Seen) })

	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		raw, err := hex.DecodeString(e.Frame)
		if err != nil {
			s.log.Warn("skipping undecodable snapshot entry", "error", err)
			continue
		}
		out = append(out, raw)
	}
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Load reads the snapshot file. A missing file leaves the store empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", s.cfg.Path, err)
	}

	s.mu.Lock()
	for k, e := range f.Frames {
		s.entries[k] = e
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.log.Info("snapshot loaded", "path", s.cfg.Path, "entries", n)
	return nil
}

// Save writes the snapshot if anything changed since the last save. The
// file is replaced atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	f := file{Version: 1, Frames: make(map[string]Entry, len(s.entries))}
	for k, e := range s.entries {
		f.Frames[k] = e
	}
	s.dirty = false
	s.mu.Unlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := writeFile(s.cfg.Path, data); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	s.log.Debug("snapshot saved", "entries", len(f.Frames))
	return nil
}

func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Run flushes periodically until ctx ends, then saves one last time.
func (s *Store) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				s.log.Warn("final snapshot save failed", "error", err)
			}
			return nil
		case <-ticker.Chan():
			if err := s.Save(); err != nil {
				s.log.Warn("snapshot save failed", "error", err)
			}
		}
	}
}
