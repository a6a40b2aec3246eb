package chat

import (
	"context"
	"math"
	"sync"
	"time"
)

// Payload is the original send tuple preserved for a deferred retry.
type Payload struct {
	ChatID string
	Model  string
	Text   string
	Images []string
}

type intent struct {
	payload Payload
	firesAt time.Time
}

// Scheduler holds at most one pending deferred retry. Arming a new intent
// replaces any existing one — there is no queue, last write wins.
//
// It polls rather than using a one-shot timer because the countdown text
// must refresh continuously; the displayed value is always recomputed
// from (now, firesAt), never stored.
type Scheduler struct {
	mu      sync.Mutex
	pending *intent

	interval   time.Duration
	now        func() time.Time
	fire       func(Payload)
	activeChat func() string
	countdown  func(seconds int)
}

// NewScheduler creates an idle scheduler. fire runs the retried send,
// activeChat reports which chat the user is currently in, countdown
// updates the visible countdown.
func NewScheduler(fire func(Payload), activeChat func() string, countdown func(int)) *Scheduler {
	return &Scheduler{
		interval:   500 * time.Millisecond,
		now:        time.Now,
		fire:       fire,
		activeChat: activeChat,
		countdown:  countdown,
	}
}

// Arm schedules p to fire at firesAt, cancelling any previous intent.
func (s *Scheduler) Arm(p Payload, firesAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &intent{payload: p, firesAt: firesAt}
}

// Cancel drops any pending intent.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// Armed reports whether a retry is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// PendingAt returns the pending fire time, if any.
func (s *Scheduler) PendingAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return time.Time{}, false
	}
	return s.pending.firesAt, true
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick advances the state machine one poll step. Exported to Run only;
// tests drive it directly with synthetic clocks.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return
	}

	if now.Before(p.firesAt) {
		s.mu.Unlock()
		s.countdown(countdownSeconds(now, p.firesAt))
		return
	}

	// Clear before firing: a failure inside the retried send must not
	// find a stale armed intent.
	s.pending = nil
	s.mu.Unlock()

	// The intent belongs to the chat it was armed in. If the user has
	// navigated elsewhere, discard silently instead of resending into
	// the wrong conversation.
	if s.activeChat() != p.payload.ChatID {
		return
	}
	s.fire(p.payload)
}

// countdownSeconds is the displayed countdown: whole seconds until
// firesAt, rounded up, never below 1.
func countdownSeconds(now, firesAt time.Time) int {
	secs := int(math.Ceil(firesAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
