package schedule

import (
	"testing"
	"time"

	"steamwatch/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalBoundaries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	p := DefaultPolicy()

	cases := []struct {
		name  string
		p     presence.Presence
		since time.Duration
		want  time.Duration
	}{
		{"in game ignores recency", presence.InGame, 72 * time.Hour, time.Minute},
		{"just seen", presence.Online, 0, 3 * time.Minute},
		{"exactly 12m", presence.Offline, 12 * time.Minute, 3 * time.Minute},
		{"past 12m", presence.Offline, 12*time.Minute + time.Second, 5 * time.Minute},
		{"exactly 3h", presence.Offline, 3 * time.Hour, 5 * time.Minute},
		{"past 3h", presence.Offline, 3*time.Hour + time.Second, 10 * time.Minute},
		{"exactly 24h", presence.Offline, 24 * time.Hour, 10 * time.Minute},
		{"past 24h", presence.Offline, 24*time.Hour + time.Second, 20 * time.Minute},
		{"exactly 48h", presence.Offline, 48 * time.Hour, 20 * time.Minute},
		{"past 48h", presence.Offline, 48*time.Hour + time.Second, 30 * time.Minute},
		{"clock skew", presence.Online, -time.Minute, 3 * time.Minute},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := presence.Snapshot{Presence: tc.p, LastSeen: now.Add(-tc.since)}
			got := p.Interval(s, now)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, p.Interval(s, now), "deterministic")
		})
	}
}

func TestIntervalNonDecreasingWithRecency(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	p := DefaultPolicy()
	prev := time.Duration(0)
	for since := time.Duration(0); since <= 72*time.Hour; since += 7 * time.Minute {
		got := p.Interval(presence.Snapshot{Presence: presence.Offline, LastSeen: now.Add(-since)}, now)
		assert.GreaterOrEqual(t, got, prev, "since=%s", since)
		prev = got
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.Tiers = []Tier{{Within: time.Hour, Interval: time.Minute}, {Within: time.Minute, Interval: time.Minute}}
	assert.Error(t, bad.Validate())

	bad = DefaultPolicy()
	bad.Failure = 0
	assert.Error(t, bad.Validate())
}

func TestNextAfterRestart(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(30 * time.Second)

	playing := &presence.Snapshot{Presence: presence.InGame, GameID: 570, LastSeen: t0, FetchedAt: t0}
	next, iv := p.Next(Resume{Snapshot: playing}, now)
	assert.Equal(t, time.Minute, iv)
	assert.Equal(t, t0.Add(time.Minute), next)

	next, iv = p.Next(Resume{Snapshot: playing, Failures: 2, LastAttemptAt: t0}, now)
	assert.Equal(t, p.Failure, iv)
	assert.Equal(t, t0.Add(p.Failure), next)

	// Long overdue entries are clamped to now.
	next, _ = p.Next(Resume{Snapshot: playing}, t0.Add(time.Hour))
	assert.Equal(t, t0.Add(time.Hour), next)

	next, iv = p.Next(Resume{}, now)
	assert.Equal(t, now, next)
	assert.Zero(t, iv)
}
