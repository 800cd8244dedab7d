package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"steamwatch/internal/presence"
	logx "steamwatch/pkg/logx"
)

// fileStore keeps the whole state in memory and persists it as:
//   - <prefix>.audit.jsonl     (append-only JSON Lines)
//   - <prefix>.state.json      (compacted image, replaced via tmp+rename)
//   - <prefix>.journal.jsonl   (append-only records since the last compaction)
//
// Each write is one journal line. A failed write is truncated away before
// the error is returned, and a torn trailing line left by a crash is cut off
// on open, so the journal always ends on a record boundary.
//
// With no files attached it is the "memory" driver.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	state *memState

	auditFile   *os.File
	statePath   string
	journalFile journal
	journalEnd  int64 // offset just past the last complete record

	writes       int
	compactEvery int
	closed       bool
}

// journal is the part of *os.File the store writes through.
type journal interface {
	io.Writer
	io.Seeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

func newMemory(log logx.Logger) *fileStore {
	return &fileStore{log: log, state: newMemState()}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	statePath := prefix + ".state.json"
	journalPath := prefix + ".journal.jsonl"

	st := newMemState()
	if err := loadState(statePath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, end, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped undecodable journal lines", logx.Int("count", skipped), logx.String("path", journalPath))
	}
	st.pruneDedup(time.Now())

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	if err := jf.Truncate(end); err != nil {
		_ = af.Close()
		_ = jf.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{
		log:          log,
		state:        st,
		auditFile:    af,
		statePath:    statePath,
		journalFile:  jf,
		journalEnd:   end,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Load(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return State{}, ErrClosed
	}
	return s.state.export(), nil
}

// write journals r (fsync'd when durable) and applies it only after the line
// is on disk, so memory never runs ahead of what a restart would load. On
// any error the journal is cut back to where it was.
func (s *fileStore) write(r record, durable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.journalFile != nil {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		b = append(b, '\n')
		if _, err := s.journalFile.Write(b); err != nil {
			return s.rollbackLocked(err)
		}
		if durable {
			if err := s.journalFile.Sync(); err != nil {
				return s.rollbackLocked(err)
			}
		}
		s.journalEnd += int64(len(b))
	}
	s.state.apply(r)

	if s.journalFile != nil {
		s.writes++
		if s.writes%s.compactEvery == 0 {
			if err := s.compactLocked(); err != nil {
				s.log.Debug("state compact failed", logx.Err(err))
			}
		}
	}
	return nil
}

func (s *fileStore) rollbackLocked(cause error) error {
	if err := s.journalFile.Truncate(s.journalEnd); err != nil {
		s.log.Error("journal rollback failed", logx.Int64("offset", s.journalEnd), logx.Err(err))
		return errors.Join(cause, err)
	}
	return cause
}

func (s *fileStore) PutSnapshot(ctx context.Context, snap presence.Snapshot, meta PollMeta) error {
	_ = ctx
	meta.Identity = snap.Identity
	return s.write(record{Op: opSnapshot, Snapshot: &snap, Meta: &meta}, true)
}

func (s *fileStore) PutPollMeta(ctx context.Context, meta PollMeta) error {
	_ = ctx
	return s.write(record{Op: opMeta, Meta: &meta}, true)
}

func (s *fileStore) DeleteIdentity(ctx context.Context, id presence.Identity) error {
	_ = ctx
	return s.write(record{Op: opForget, Identity: id}, true)
}

func (s *fileStore) UpsertSubscription(ctx context.Context, sub presence.Subscription) error {
	_ = ctx
	sub = sub.Clone()
	return s.write(record{Op: opSub, Sub: &sub}, true)
}

func (s *fileStore) DeleteSubscription(ctx context.Context, group string, id presence.Identity) error {
	_ = ctx
	return s.write(record{Op: opUnsub, Group: group, Identity: id}, true)
}

func (s *fileStore) PutGroupPrefs(ctx context.Context, p presence.GroupPrefs) error {
	_ = ctx
	return s.write(record{Op: opPrefs, Prefs: &p}, true)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.write(record{Op: opDedup, Key: key, Until: until.UnixMilli()}, false)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	// Pruned keys are only dropped from the image; the next compaction makes
	// that durable. Replaying stale dedup records is harmless.
	return s.state.pruneDedup(now), nil
}

func (s *fileStore) AddNoAchievementApp(ctx context.Context, appID uint64) error {
	_ = ctx
	return s.write(record{Op: opNoAch, AppID: appID, Until: time.Now().UnixMilli()}, false)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.auditFile == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	if s.journalFile == nil {
		return nil
	}
	s.state.pruneDedup(time.Now())

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return err
	}
	// A crash before this truncate only means the journal is replayed on top
	// of an image that already contains it.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	s.journalEnd = 0
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadState(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(out); err != nil {
		return err
	}
	out.ensure()
	return nil
}

// replayJournal applies every complete line of the journal. end is the
// offset just past the last newline; anything after it is a torn write.
func replayJournal(path string, out *memState) (skipped int, end int64, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	for rest := b; len(rest) > 0; {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			skipped++
			break
		}
		line := bytes.TrimSpace(rest[:i])
		rest = rest[i+1:]
		end += int64(i + 1)
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil || r.Op == "" {
			skipped++
			continue
		}
		out.apply(r)
	}
	return skipped, end, nil
}
