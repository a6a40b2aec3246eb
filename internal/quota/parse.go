package quota

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Period is the quota window kind recovered from an upstream error.
type Period string

const (
	PeriodDay     Period = "day"
	PeriodMinute  Period = "minute"
	PeriodUnknown Period = "unknown"
)

// Details is the structured result of parsing one upstream quota error.
// It is ephemeral: the send controller consumes it immediately and folds
// the relevant fields into the Store.
type Details struct {
	Limit     *int64
	Used      *int64
	Remaining *int64
	// RetryAfter is the instant the upstream asked us to wait until.
	// Zero when no retry delay was present.
	RetryAfter time.Time
	Period     Period
	// Available is false only when the limit was observed to be exactly
	// zero, meaning the model is switched off for this plan entirely.
	Available bool
}

// The upstream error body is free-form text wrapping a Google-style quota
// violation. None of this is a versioned contract, so every pattern is
// best-effort: a miss leaves the field unknown rather than failing.
var (
	limitRe = regexp.MustCompile(`limit:\s*(\d+)`)
	usedRe  = regexp.MustCompile(`"quotaValue"\s*:\s*"(\d+)"`)
	retryRe = regexp.MustCompile(`retryDelay"?\s*:\s*"?(\d+)s`)
)

// ParseError extracts quota details from raw upstream error text.
// It never fails: unrecognized or empty input degrades to an all-unknown
// Details with Available=true.
func ParseError(text string, now time.Time) Details {
	d := Details{Period: PeriodUnknown, Available: true}

	if m := limitRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			d.Limit = &v
			if v == 0 {
				d.Available = false
			}
		}
	}

	if m := usedRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			d.Used = &v
		}
	}

	if d.Limit != nil && d.Used != nil {
		r := *d.Limit - *d.Used
		d.Remaining = &r
	}

	if m := retryRe.FindStringSubmatch(text); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			d.RetryAfter = now.Add(time.Duration(secs) * time.Second)
		}
	}

	// "day" wins if the text somehow names both window kinds.
	switch {
	case strings.Contains(text, "PerDay"):
		d.Period = PeriodDay
	case strings.Contains(text, "PerMinute"):
		d.Period = PeriodMinute
	}

	return d
}
