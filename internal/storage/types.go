package storage

import (
	"context"
	"errors"
	"time"

	"steamwatch/internal/presence"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON Lines journal + compacted snapshot
//   - "memory": no persistence, for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery is the number of journal records between compactions (file only).
	CompactEvery int
}

// PollMeta is the per-identity bookkeeping needed to rebuild a failure
// backoff after restart.
type PollMeta struct {
	Identity      presence.Identity `json:"identity,string"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
	Failures      int               `json:"failures"`
	LastErrorKind string            `json:"last_error_kind,omitempty"`
	Degraded      bool              `json:"degraded"`
}

// State is everything Load reconstructs on startup.
type State struct {
	Snapshots         map[presence.Identity]presence.Snapshot
	Meta              map[presence.Identity]PollMeta
	Subscriptions     []presence.Subscription
	GroupPrefs        map[string]presence.GroupPrefs
	NoAchievementApps map[uint64]struct{}
}

// AuditEntry records an admin action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	Group         string    `json:"group,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
	MetaJSON      string    `json:"meta,omitempty"`
}

// Store is the State Store plus Subscription Registry persistence.
//
// PutSnapshot replaces the identity's snapshot and poll metadata atomically:
// after a crash either the old or the new pair is loaded, never a mix.
type Store interface {
	Load(ctx context.Context) (State, error)

	PutSnapshot(ctx context.Context, snap presence.Snapshot, meta PollMeta) error
	PutPollMeta(ctx context.Context, meta PollMeta) error
	DeleteIdentity(ctx context.Context, id presence.Identity) error

	UpsertSubscription(ctx context.Context, sub presence.Subscription) error
	DeleteSubscription(ctx context.Context, group string, id presence.Identity) error
	PutGroupPrefs(ctx context.Context, p presence.GroupPrefs) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PruneDedup(ctx context.Context, now time.Time) (int, error)

	AddNoAchievementApp(ctx context.Context, appID uint64) error
	AppendAudit(ctx context.Context, e AuditEntry) error

	// Compact folds journals into snapshots where the driver has them.
	Compact(ctx context.Context) error
	Close() error
}
