package schedule

import (
	"errors"
	"fmt"
	"time"

	"steamwatch/internal/presence"
)

// Tier maps "time since last seen <= Within" to a poll interval.
type Tier struct {
	Within   time.Duration
	Interval time.Duration
}

// Policy is the interval table. Tiers must be sorted by Within ascending;
// Idle applies past the last tier.
type Policy struct {
	InGame  time.Duration
	Tiers   []Tier
	Idle    time.Duration
	Failure time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InGame: time.Minute,
		Tiers: []Tier{
			{Within: 12 * time.Minute, Interval: 3 * time.Minute},
			{Within: 3 * time.Hour, Interval: 5 * time.Minute},
			{Within: 24 * time.Hour, Interval: 10 * time.Minute},
			{Within: 48 * time.Hour, Interval: 20 * time.Minute},
		},
		Idle:    30 * time.Minute,
		Failure: 30 * time.Minute,
	}
}

func (p Policy) Validate() error {
	if p.InGame <= 0 || p.Idle <= 0 || p.Failure <= 0 {
		return errors.New("schedule: in_game, idle and failure intervals must be > 0")
	}
	var prev time.Duration
	for i, t := range p.Tiers {
		if t.Within <= 0 || t.Interval <= 0 {
			return fmt.Errorf("schedule: tier %d: within and interval must be > 0", i)
		}
		if i > 0 && t.Within <= prev {
			return fmt.Errorf("schedule: tier %d: within %s must be greater than %s", i, t.Within, prev)
		}
		prev = t.Within
	}
	return nil
}

// Interval is a pure function of presence and now minus last_seen.
// Bounds are inclusive on the "within" side.
func (p Policy) Interval(s presence.Snapshot, now time.Time) time.Duration {
	if s.InGame() {
		return p.InGame
	}
	since := now.Sub(s.LastSeen)
	if since < 0 {
		since = 0
	}
	for _, t := range p.Tiers {
		if since <= t.Within {
			return t.Interval
		}
	}
	return p.Idle
}

// Resume is what the store knows about an identity after a restart.
type Resume struct {
	Identity      presence.Identity
	Snapshot      *presence.Snapshot
	LastAttemptAt time.Time
	Failures      int
	Degraded      bool
}

// Next rebuilds a schedule entry from persisted state. It reproduces the value
// the running loop computed after the identity's last poll, clamped to now.
func (p Policy) Next(r Resume, now time.Time) (time.Time, time.Duration) {
	var (
		next     time.Time
		interval time.Duration
	)
	switch {
	case r.Failures > 0 && !r.LastAttemptAt.IsZero():
		interval = p.Failure
		next = r.LastAttemptAt.Add(interval)
	case r.Snapshot != nil:
		base := r.Snapshot.FetchedAt
		interval = p.Interval(*r.Snapshot, base)
		next = base.Add(interval)
	default:
		next = now
	}
	if next.Before(now) {
		next = now
	}
	return next, interval
}
