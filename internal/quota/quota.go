// Package quota tracks per-model request quota for the upstream service.
// The upstream does not expose a structured quota API; everything here is
// reconstructed from the error payloads it returns when a limit is hit,
// then kept consistent locally across the daily reset window.
package quota

import "time"

// Info is the stored quota record for one model. Nil counters mean the
// value has never been observed. A zero ResetAt means no known reset
// instant (either the window kind is unknown or the limit is permanently
// zero on this tier).
type Info struct {
	Limit       *int64    `json:"limit"`
	Used        *int64    `json:"used"`
	Remaining   *int64    `json:"remaining"`
	ResetAt     time.Time `json:"resetAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Disabled reports whether the model is unusable on the current plan
// (observed limit of exactly zero). This outlives window resets.
func (q Info) Disabled() bool {
	return q.Limit != nil && *q.Limit == 0
}

// Exhausted reports whether the current window has no requests left.
func (q Info) Exhausted() bool {
	return q.Remaining != nil && *q.Remaining <= 0
}

// DisplayRemaining returns the remaining count clamped at zero for UI use.
// Comparisons elsewhere use Exhausted, which treats negatives as zero.
func (q Info) DisplayRemaining() int64 {
	if q.Remaining == nil || *q.Remaining < 0 {
		return 0
	}
	return *q.Remaining
}

// normalized applies the window rollover rule: once now passes ResetAt the
// usage counter starts over. With a known limit the window repeats daily,
// so ResetAt advances to the next UTC midnight; with an unknown limit
// there is nothing to reset against and ResetAt is cleared.
// The returned bool reports whether the record changed.
func (q Info) normalized(now time.Time) (Info, bool) {
	if q.ResetAt.IsZero() || now.Before(q.ResetAt) {
		return q, false
	}

	zero := int64(0)
	q.Used = &zero
	if q.Limit != nil {
		limit := *q.Limit
		q.Remaining = &limit
		q.ResetAt = NextUTCMidnight(now)
	} else {
		q.Remaining = nil
		q.ResetAt = time.Time{}
	}
	return q, true
}

// NextUTCMidnight returns the start of the UTC calendar day after now.
// It is computed from the current wall-clock date, not from any stored
// reset instant, so repeated rollovers cannot drift.
func NextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
