package sampler

import (
	"sync"
	"time"

	"github.com/codeloft/backend/internal/core"
)

// Ring is a per-session snapshot buffer bounded by wall-clock time. Pushing
// prunes everything older than the window, so memory stays proportional to
// window / sample interval regardless of session length.
type Ring struct {
	mu     sync.Mutex
	window time.Duration
	buf    []*core.Snapshot
}

func NewRing(window time.Duration) *Ring {
	return &Ring{window: window}
}

// Push appends a snapshot and drops expired entries. Snapshots arrive in ts
// order from the sampling loop, so pruning only inspects the head.
func (r *Ring) Push(s *core.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := s.TS.Add(-r.window)
	drop := 0
	for drop < len(r.buf) && r.buf[drop].TS.Before(cutoff) {
		drop++
	}
	r.buf = append(r.buf[drop:], s)
}

// Items returns the retained snapshots, oldest first.
func (r *Ring) Items() []*core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.Snapshot, len(r.buf))
	copy(out, r.buf)
	return out
}

// Last returns the most recent snapshot, or nil when empty.
func (r *Ring) Last() *core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	return r.buf[len(r.buf)-1]
}

// Len reports the number of retained snapshots.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
