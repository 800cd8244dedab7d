package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"steamwatch/internal/presence"
	logx "steamwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; every mutation below is one statement or one transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	st := State{
		Snapshots:         map[presence.Identity]presence.Snapshot{},
		Meta:              map[presence.Identity]PollMeta{},
		GroupPrefs:        map[string]presence.GroupPrefs{},
		NoAchievementApps: map[uint64]struct{}{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT identity, data FROM snapshots`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return State{}, err
		}
		var snap presence.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			s.log.Warn("skipping undecodable snapshot", logx.Int64("identity", id), logx.Err(err))
			continue
		}
		snap.Identity = presence.Identity(id)
		st.Snapshots[snap.Identity] = snap
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return State{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT identity, last_attempt_at, failures, last_error_kind, degraded FROM poll_meta`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var (
			id, at   int64
			failures int
			kind     sql.NullString
			degraded bool
		)
		if err := rows.Scan(&id, &at, &failures, &kind, &degraded); err != nil {
			rows.Close()
			return State{}, err
		}
		m := PollMeta{Identity: presence.Identity(id), Failures: failures, LastErrorKind: kind.String, Degraded: degraded}
		if at > 0 {
			m.LastAttemptAt = time.UnixMilli(at)
		}
		st.Meta[m.Identity] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return State{}, err
	}

	links := map[string][]string{}
	rows, err = s.db.QueryContext(ctx, `SELECT group_id, identity, linked_group FROM subscription_links ORDER BY linked_group`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var (
			g, l string
			id   int64
		)
		if err := rows.Scan(&g, &id, &l); err != nil {
			rows.Close()
			return State{}, err
		}
		k := subKey(g, presence.Identity(id))
		links[k] = append(links[k], l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return State{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT group_id, identity, enabled, achievement_push FROM subscriptions ORDER BY group_id, identity`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var (
			sub presence.Subscription
			id  int64
		)
		if err := rows.Scan(&sub.Group, &id, &sub.Enabled, &sub.AchievementPush); err != nil {
			rows.Close()
			return State{}, err
		}
		sub.Identity = presence.Identity(id)
		sub.Linked = links[subKey(sub.Group, sub.Identity)]
		st.Subscriptions = append(st.Subscriptions, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return State{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT group_id, achievement_push FROM group_prefs`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var p presence.GroupPrefs
		if err := rows.Scan(&p.Group, &p.AchievementPush); err != nil {
			rows.Close()
			return State{}, err
		}
		st.GroupPrefs[p.Group] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return State{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT app_id FROM no_achievement_apps`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var app int64
		if err := rows.Scan(&app); err != nil {
			rows.Close()
			return State{}, err
		}
		st.NoAchievementApps[uint64(app)] = struct{}{}
	}
	rows.Close()
	return st, rows.Err()
}

func (s *sqliteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const upsertMeta = `INSERT INTO poll_meta(identity, last_attempt_at, failures, last_error_kind, degraded)
	 VALUES(?,?,?,?,?)
	 ON CONFLICT(identity) DO UPDATE SET
	   last_attempt_at=excluded.last_attempt_at,
	   failures=excluded.failures,
	   last_error_kind=excluded.last_error_kind,
	   degraded=excluded.degraded`

func metaArgs(m PollMeta) []any {
	var at int64
	if !m.LastAttemptAt.IsZero() {
		at = m.LastAttemptAt.UnixMilli()
	}
	return []any{int64(m.Identity), at, m.Failures, nullStr(m.LastErrorKind), m.Degraded}
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, snap presence.Snapshot, meta PollMeta) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	meta.Identity = snap.Identity
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots(identity, data, fetched_at) VALUES(?,?,?)
			 ON CONFLICT(identity) DO UPDATE SET data=excluded.data, fetched_at=excluded.fetched_at`,
			int64(snap.Identity), string(data), snap.FetchedAt.UnixMilli(),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, upsertMeta, metaArgs(meta)...)
		return err
	})
}

func (s *sqliteStore) PutPollMeta(ctx context.Context, meta PollMeta) error {
	_, err := s.db.ExecContext(ctx, upsertMeta, metaArgs(meta)...)
	return err
}

func (s *sqliteStore) DeleteIdentity(ctx context.Context, id presence.Identity) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE identity = ?`, int64(id)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM poll_meta WHERE identity = ?`, int64(id))
		return err
	})
}

func (s *sqliteStore) UpsertSubscription(ctx context.Context, sub presence.Subscription) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions(group_id, identity, enabled, achievement_push) VALUES(?,?,?,?)
			 ON CONFLICT(group_id, identity) DO UPDATE SET enabled=excluded.enabled, achievement_push=excluded.achievement_push`,
			sub.Group, int64(sub.Identity), sub.Enabled, sub.AchievementPush,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_links WHERE group_id = ? AND identity = ?`, sub.Group, int64(sub.Identity)); err != nil {
			return err
		}
		for _, l := range sub.Linked {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO subscription_links(group_id, identity, linked_group) VALUES(?,?,?)`,
				sub.Group, int64(sub.Identity), l,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, group string, id presence.Identity) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_links WHERE group_id = ? AND identity = ?`, group, int64(id)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE group_id = ? AND identity = ?`, group, int64(id))
		return err
	})
}

func (s *sqliteStore) PutGroupPrefs(ctx context.Context, p presence.GroupPrefs) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_prefs(group_id, achievement_push) VALUES(?,?)
		 ON CONFLICT(group_id) DO UPDATE SET achievement_push=excluded.achievement_push`,
		p.Group, p.AchievementPush,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AddNoAchievementApp(ctx context.Context, appID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO no_achievement_apps(app_id, added_at) VALUES(?,?)`,
		int64(appID), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, group_id, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), nullStr(e.Group),
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

// Compact checkpoints the WAL into the main database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
