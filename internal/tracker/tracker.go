// Package tracker coordinates one poll cycle (fetch, detect, enrich,
// dispatch, persist) and owns the in-memory subscription index that the
// dispatcher and the admin surface read.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"steamwatch/internal/eventbus"
	"steamwatch/internal/fault"
	"steamwatch/internal/metrics"
	"steamwatch/internal/presence"
	"steamwatch/internal/schedule"
	"steamwatch/internal/storage"
	logx "steamwatch/pkg/logx"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Source is the snapshot source.
type Source interface {
	Fetch(ctx context.Context, id presence.Identity) (presence.Snapshot, error)
}

// Enricher resolves achievement display metadata. A nil result is fine.
type Enricher interface {
	Achievement(ctx context.Context, appID uint64, achievementID string) *presence.AchievementInfo
}

// playtimeEnricher is implemented by enrichers that know lifetime play time.
type playtimeEnricher interface {
	Playtime(ctx context.Context, id presence.Identity, appID uint64) (time.Duration, bool)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, events ...presence.Event) error
}

// Scheduler is the subset of schedule.Service the tracker drives.
type Scheduler interface {
	Add(id presence.Identity) bool
	Remove(id presence.Identity) bool
	Trigger(id presence.Identity) bool
	Restore(items []schedule.Resume)
	Get(id presence.Identity) (schedule.Entry, bool)
	Entries() []schedule.Entry
}

// noAchievementSeeder is implemented by sources that skip apps without stats.
type noAchievementSeeder interface {
	SetNoAchievementApps(apps map[uint64]struct{})
}

type Config struct {
	StoreTimeout  time.Duration
	EnrichTimeout time.Duration
}

func (c *Config) defaults() {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = 5 * time.Second
	}
}

const (
	EventSubscriptionChanged = "tracker.subscription"
	EventPollFailed          = "tracker.poll_failed"
	EventForgotten           = "tracker.forgotten"
)

type Tracker struct {
	cfg   Config
	log   logx.Logger
	clock clockwork.Clock
	store storage.Store
	src   Source
	bus   eventbus.Bus

	enrich Enricher
	disp   Dispatcher
	sched  Scheduler

	// regMu serializes registry writes.
	regMu sync.Mutex

	mu    sync.RWMutex
	subs  map[presence.Identity]map[string]presence.Subscription
	prefs map[string]presence.GroupPrefs
	snaps map[presence.Identity]presence.Snapshot
	meta  map[presence.Identity]storage.PollMeta

	locksMu sync.Mutex
	locks   map[presence.Identity]*sync.Mutex
}

func New(cfg Config, store storage.Store, src Source, clock clockwork.Clock, log logx.Logger, bus eventbus.Bus) *Tracker {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		cfg:   cfg,
		log:   log,
		clock: clock,
		store: store,
		src:   src,
		bus:   bus,
		subs:  map[presence.Identity]map[string]presence.Subscription{},
		prefs: map[string]presence.GroupPrefs{},
		snaps: map[presence.Identity]presence.Snapshot{},
		meta:  map[presence.Identity]storage.PollMeta{},
		locks: map[presence.Identity]*sync.Mutex{},
	}
}

// Bind attaches the collaborators built after the tracker. Call before Load.
func (t *Tracker) Bind(sched Scheduler, disp Dispatcher, enrich Enricher) {
	t.mu.Lock()
	t.sched, t.disp, t.enrich = sched, disp, enrich
	t.mu.Unlock()
}

// Load rebuilds the index from the store and restores schedule entries for
// every identity with an enabled subscription. It never contacts the source.
func (t *Tracker) Load(ctx context.Context) error {
	st, err := t.store.Load(ctx)
	if err != nil {
		return fault.Persist("tracker.load", err)
	}

	t.mu.Lock()
	t.subs = map[presence.Identity]map[string]presence.Subscription{}
	for _, sub := range st.Subscriptions {
		m := t.subs[sub.Identity]
		if m == nil {
			m = map[string]presence.Subscription{}
			t.subs[sub.Identity] = m
		}
		m[sub.Group] = sub.Clone()
	}
	t.prefs = map[string]presence.GroupPrefs{}
	for g, p := range st.GroupPrefs {
		t.prefs[g] = p
	}
	t.snaps = map[presence.Identity]presence.Snapshot{}
	for id, s := range st.Snapshots {
		t.snaps[id] = s
	}
	t.meta = map[presence.Identity]storage.PollMeta{}
	for id, m := range st.Meta {
		t.meta[id] = m
	}

	var resumes []schedule.Resume
	for id := range t.subs {
		if t.enabledLocked(id) == 0 {
			continue
		}
		r := schedule.Resume{Identity: id}
		if s, ok := t.snaps[id]; ok {
			s := s
			r.Snapshot = &s
		}
		if m, ok := t.meta[id]; ok {
			r.LastAttemptAt = m.LastAttemptAt
			r.Failures = m.Failures
			r.Degraded = m.Degraded
		}
		resumes = append(resumes, r)
	}
	sched := t.sched
	t.mu.Unlock()

	if seeder, ok := t.src.(noAchievementSeeder); ok && len(st.NoAchievementApps) > 0 {
		seeder.SetNoAchievementApps(st.NoAchievementApps)
	}
	sort.Slice(resumes, func(i, j int) bool { return resumes[i].Identity < resumes[j].Identity })
	if sched != nil {
		sched.Restore(resumes)
	}
	t.log.Info("state loaded",
		logx.Int("subscriptions", len(st.Subscriptions)),
		logx.Int("snapshots", len(st.Snapshots)),
		logx.Int("scheduled", len(resumes)),
	)
	return nil
}

func (t *Tracker) lockFor(id presence.Identity) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l := t.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

func (t *Tracker) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	// Writes outlive a cancelled poll so a fetched result is not lost at shutdown.
	return context.WithTimeout(context.WithoutCancel(ctx), t.cfg.StoreTimeout)
}

// Poll runs one cycle for id. at is the attempt time chosen by the scheduler
// and becomes the snapshot's observation time.
func (t *Tracker) Poll(ctx context.Context, id presence.Identity, at time.Time) (presence.Snapshot, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	log := t.log.With(logx.Identity("identity", uint64(id)), logx.String("poll_id", uuid.NewString()))

	t.mu.RLock()
	var old *presence.Snapshot
	if s, ok := t.snaps[id]; ok {
		s := s
		old = &s
	}
	meta := t.meta[id]
	disp, enrich := t.disp, t.enrich
	t.mu.RUnlock()

	cur, err := t.src.Fetch(ctx, id)
	if err != nil {
		return presence.Snapshot{}, t.pollFailed(ctx, log, id, at, meta, err)
	}

	cur.Identity = id
	cur.FetchedAt = at
	if cur.Presence != presence.Offline {
		cur.LastSeen = at
	}
	cur = presence.Carry(old, cur)
	events := presence.Detect(old, cur)

	if enrich != nil {
		pt, _ := enrich.(playtimeEnricher)
		for i := range events {
			ev := &events[i]
			switch {
			case ev.Kind.IsAchievement():
				ectx, cancel := context.WithTimeout(ctx, t.cfg.EnrichTimeout)
				ev.Achievement = enrich.Achievement(ectx, ev.GameID(), ev.AchievementID)
				cancel()
			case ev.Kind == presence.KindGameStart && pt != nil:
				ectx, cancel := context.WithTimeout(ctx, t.cfg.EnrichTimeout)
				if d, ok := pt.Playtime(ectx, id, ev.NewGameID); ok {
					ev.Playtime = d
				}
				cancel()
			}
		}
	}
	if len(events) > 0 && disp != nil {
		// Delivery problems are per group; they never fail the poll.
		if err := disp.Dispatch(ctx, events...); err != nil {
			log.Warn("dispatch incomplete", logx.Int("events", len(events)), logx.Err(err))
		}
	}

	newMeta := storage.PollMeta{Identity: id, LastAttemptAt: at}
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if err := t.store.PutSnapshot(sctx, cur, newMeta); err != nil {
		metrics.StorageErrors.WithLabelValues("put_snapshot").Inc()
		// Memory keeps the old snapshot so it matches what a restart would load.
		return cur, fault.New(fault.PersistenceFailure, "tracker.poll", err).WithIdentity(uint64(id))
	}

	t.mu.Lock()
	t.snaps[id] = cur
	t.meta[id] = newMeta
	t.mu.Unlock()

	if len(events) > 0 {
		log.Debug("transitions detected", logx.Int("events", len(events)), logx.String("first", string(events[0].Kind)))
	}
	return cur, nil
}

func (t *Tracker) pollFailed(ctx context.Context, log logx.Logger, id presence.Identity, at time.Time, meta storage.PollMeta, err error) error {
	if fault.KindOf(err) == "" {
		err = fault.New(fault.SourceUnavailable, "tracker.fetch", err).WithIdentity(uint64(id))
	}
	meta.Identity = id
	meta.LastAttemptAt = at
	meta.Failures++
	meta.LastErrorKind = string(fault.KindOf(err))
	if fault.KindOf(err) == fault.UnknownIdentity {
		meta.Degraded = true
	}

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if perr := t.store.PutPollMeta(sctx, meta); perr != nil {
		metrics.StorageErrors.WithLabelValues("put_poll_meta").Inc()
		log.Warn("poll metadata not persisted", logx.Err(perr))
	} else {
		t.mu.Lock()
		t.meta[id] = meta
		t.mu.Unlock()
	}
	t.publish(EventPollFailed, map[string]any{
		"identity": id.String(),
		"kind":     meta.LastErrorKind,
		"failures": meta.Failures,
	})
	return err
}

// NoAchievementApp persists an app reported as having no stats. It is meant
// as the source's callback and only logs failures.
func (t *Tracker) NoAchievementApp(appID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StoreTimeout)
	defer cancel()
	if err := t.store.AddNoAchievementApp(ctx, appID); err != nil {
		metrics.StorageErrors.WithLabelValues("add_no_achievement_app").Inc()
		t.log.Warn("no-achievement app not persisted", logx.Uint64("app_id", appID), logx.Err(err))
	}
}

// SubscriptionsFor returns copies of every subscription for id, sorted by group.
func (t *Tracker) SubscriptionsFor(id presence.Identity) []presence.Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.subs[id]
	out := make([]presence.Subscription, 0, len(m))
	for _, s := range m {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

func (t *Tracker) GroupPrefs(group string) (presence.GroupPrefs, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prefs[group]
	return p, ok
}

// Snapshot returns the last persisted snapshot of id.
func (t *Tracker) Snapshot(id presence.Identity) (presence.Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.snaps[id]
	return s, ok
}

func (t *Tracker) enabledLocked(id presence.Identity) int {
	n := 0
	for _, s := range t.subs[id] {
		if s.Enabled {
			n++
		}
	}
	return n
}

func (t *Tracker) publish(typ string, data any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Time: t.clock.Now(), Data: data})
}
