package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors
// like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule kinds.
const (
	KindAt    = "at"
	KindEvery = "every"
	KindCron  = "cron"
)

// Schedule is the tagged schedule variant of a job.
//
//   - at: a single absolute instant.
//   - every: a fixed period, optionally anchored so run times stay
//     aligned to anchor + k*period across restarts.
//   - cron: a 5-field expression evaluated in TZ (default UTC).
type Schedule struct {
	Kind     string `json:"kind"`
	AtMS     int64  `json:"at_ms,omitempty"`
	EveryMS  int64  `json:"every_ms,omitempty"`
	AnchorMS int64  `json:"anchor_ms,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// At builds a one-shot schedule.
func At(t time.Time) Schedule {
	return Schedule{Kind: KindAt, AtMS: t.UnixMilli()}
}

// Every builds a periodic schedule. A zero anchor means "anchor at the
// first computation".
func Every(period time.Duration, anchor time.Time) Schedule {
	s := Schedule{Kind: KindEvery, EveryMS: period.Milliseconds()}
	if !anchor.IsZero() {
		s.AnchorMS = anchor.UnixMilli()
	}
	return s
}

// Cron builds an expression schedule. tz may be empty (UTC).
func Cron(expr, tz string) Schedule {
	return Schedule{Kind: KindCron, Expr: strings.TrimSpace(expr), TZ: strings.TrimSpace(tz)}
}

// Validate checks the variant invariants, including that a cron
// expression parses and its time zone loads.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMS <= 0 {
			return fmt.Errorf("at schedule missing timestamp")
		}
	case KindEvery:
		if s.EveryMS <= 0 {
			return fmt.Errorf("every schedule requires a positive period")
		}
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule missing expression")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the next run time for the schedule relative to now.
//
// For "at" the instant itself is returned even when past: a one-shot
// job that missed its moment is due immediately. For "every" and
// "cron" the result is strictly after now.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	switch s.Kind {
	case KindAt:
		return msToTime(s.AtMS), nil

	case KindEvery:
		period := time.Duration(s.EveryMS) * time.Millisecond
		anchor := now
		if s.AnchorMS > 0 {
			anchor = msToTime(s.AnchorMS)
		}
		next := nextAligned(now, anchor, period)
		return next, nil

	case KindCron:
		loc := time.UTC
		if s.TZ != "" {
			tz, err := time.LoadLocation(s.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone %q: %w", s.TZ, err)
			}
			loc = tz
		}
		expr, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
		}
		return expr.Next(now.In(loc)), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Recurring reports whether runs repeat.
func (s Schedule) Recurring() bool {
	return s.Kind == KindEvery || s.Kind == KindCron
}

// nextAligned computes the first instant strictly after now on the grid
// anchor + k*period.
func nextAligned(now, anchor time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	elapsed := now.Sub(anchor)
	k := elapsed / period
	if elapsed%period != 0 || elapsed < 0 {
		if elapsed > 0 {
			k++
		}
	}
	next := anchor.Add(k * period)
	for !next.After(now) {
		next = next.Add(period)
	}
	return next
}
