package quota

import (
	"context"
	"sync"
	"time"

	"github.com/kitechat/kite/internal/logger"
)

// Backend abstracts durable storage for quota records (SQLite, memory, etc.).
type Backend interface {
	// Load returns all persisted records. A missing table or unreadable
	// rows must degrade to an empty (or partial) map, not an error, so
	// the store can fail open.
	Load() (map[string]Info, error)
	// Put persists a single record. Called on every mutation.
	Put(model string, info Info) error
}

// Store holds the in-memory quota map and writes every change through to
// its backend. It is injected into the send controller rather than being
// a package-level singleton so tests (and multiple sessions) can own
// independent instances.
type Store struct {
	mu      sync.Mutex
	entries map[string]Info
	backend Backend
	now     func() time.Time
}

// Delta is a partial update merged over the existing record for a model.
// Nil fields are left untouched.
type Delta struct {
	Limit     *int64
	Used      *int64
	Remaining *int64
	ResetAt   *time.Time
}

// NewStore loads the persisted quota map from backend. Load failures are
// logged and produce an empty store: stale or corrupt quota data must
// never prevent the client from starting.
func NewStore(backend Backend) *Store {
	entries, err := backend.Load()
	if err != nil {
		logger.Warn("quota store load failed, starting empty", "error", err)
		entries = nil
	}
	if entries == nil {
		entries = make(map[string]Info)
	}
	return &Store{
		entries: entries,
		backend: backend,
		now:     time.Now,
	}
}

// Get returns the normalized record for a model. If normalization rolled
// the window over, the healed record is written back so the stored state
// stays consistent even after long idle periods.
func (s *Store) Get(model string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.entries[model]
	if !ok {
		return Info{}, false
	}
	n, changed := q.normalized(s.now())
	if changed {
		s.put(model, n)
	}
	return n, true
}

// Update merges delta over the existing record (or a blank one), stamps
// LastUpdated, normalizes, and persists. The merge always starts from the
// freshly normalized stored value, never from a copy cached across an
// asynchronous gap.
func (s *Store) Update(model string, d Delta) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.entries[model]
	cur, _ = cur.normalized(s.now())

	if d.Limit != nil {
		cur.Limit = d.Limit
	}
	if d.Used != nil {
		cur.Used = d.Used
	}
	if d.Remaining != nil {
		cur.Remaining = d.Remaining
	}
	if d.ResetAt != nil {
		cur.ResetAt = *d.ResetAt
	}

	// Derive remaining when both sides are known and nothing explicit
	// was reported.
	if cur.Remaining == nil && cur.Limit != nil && cur.Used != nil {
		r := *cur.Limit - *cur.Used
		cur.Remaining = &r
	}

	// Storage invariant: remaining stays within [0, limit].
	if cur.Remaining != nil {
		r := *cur.Remaining
		if cur.Limit != nil && r > *cur.Limit {
			r = *cur.Limit
		}
		if r < 0 {
			r = 0
		}
		cur.Remaining = &r
	}

	cur.LastUpdated = s.now()
	cur, _ = cur.normalized(s.now())
	s.put(model, cur)
	return cur
}

// Snapshot returns a normalized copy of every record, for display.
func (s *Store) Snapshot() map[string]Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Info, len(s.entries))
	for model, q := range s.entries {
		n, changed := q.normalized(s.now())
		if changed {
			s.put(model, n)
		}
		out[model] = n
	}
	return out
}

// NormalizeAll rolls over every expired window and persists the result.
func (s *Store) NormalizeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for model, q := range s.entries {
		if n, changed := q.normalized(s.now()); changed {
			s.put(model, n)
		}
	}
}

// RunDailyRefresh wakes at each UTC midnight and normalizes all entries
// so displayed quota stays fresh without waiting for the next request.
// Normalization-on-read already keeps the data correct; this is purely
// proactive. Blocks until ctx is cancelled.
func (s *Store) RunDailyRefresh(ctx context.Context) {
	for {
		s.mu.Lock()
		now := s.now()
		s.mu.Unlock()

		timer := time.NewTimer(NextUTCMidnight(now).Sub(now) + time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.NormalizeAll()
		}
	}
}

// put updates the in-memory map and writes through. Caller holds the lock.
func (s *Store) put(model string, info Info) {
	s.entries[model] = info
	if err := s.backend.Put(model, info); err != nil {
		logger.Warn("quota store write failed", "model", model, "error", err)
	}
}
