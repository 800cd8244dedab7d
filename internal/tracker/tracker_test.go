package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"steamwatch/internal/dispatch"
	"steamwatch/internal/eventbus"
	"steamwatch/internal/fault"
	"steamwatch/internal/presence"
	"steamwatch/internal/schedule"
	"steamwatch/internal/storage"
	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

const (
	idX presence.Identity = 76561197960287930
	idY presence.Identity = 76561197960287931

	groupG = "telegram:-1001"
	groupH = "telegram:-1002"
	groupK = "discord:42"
)

var errDown = fault.New(fault.SourceUnavailable, "steam.fetch", errors.New("502"))

type scriptSource struct {
	mu    sync.Mutex
	calls map[presence.Identity]int
	fn    func(id presence.Identity, n int) (presence.Snapshot, error)
}

func (s *scriptSource) Fetch(_ context.Context, id presence.Identity) (presence.Snapshot, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[presence.Identity]int{}
	}
	s.calls[id]++
	n := s.calls[id]
	s.mu.Unlock()
	return s.fn(id, n)
}

func (s *scriptSource) count(id presence.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type recorder struct {
	mu  sync.Mutex
	got map[string][]string
}

func (r *recorder) Deliver(_ context.Context, group string, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = map[string][]string{}
	}
	r.got[group] = append(r.got[group], msg.Text)
	return nil
}

func (r *recorder) texts(group string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got[group]...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.got {
		n += len(v)
	}
	return n
}

func online(id presence.Identity) presence.Snapshot {
	return presence.Snapshot{Identity: id, Presence: presence.Online, PersonaState: presence.PersonaOnline, PersonaName: "gaben"}
}

func playing(id presence.Identity, game uint64, name string) presence.Snapshot {
	s := online(id)
	s.Presence = presence.InGame
	s.GameID = game
	s.GameName = name
	return s
}

type harness struct {
	clock *clockwork.FakeClock
	store storage.Store
	src   *scriptSource
	out   *recorder
	tr    *Tracker
	sched *schedule.Service
	disp  *dispatch.Service
}

func newHarness(t *testing.T, store storage.Store, src *scriptSource) *harness {
	t.Helper()
	if store == nil {
		var err error
		store, err = storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
		require.NoError(t, err)
	}
	h := &harness{clock: clockwork.NewFakeClockAt(t0), store: store, src: src, out: &recorder{}}
	h.tr = New(Config{}, store, src, h.clock, logx.Nop(), eventbus.New())
	h.sched = schedule.New(schedule.Config{
		Policy:        schedule.DefaultPolicy(),
		MaxInFlight:   4,
		PollTimeout:   time.Minute,
		ShutdownGrace: 100 * time.Millisecond,
	}, h.tr, h.clock, logx.Nop())
	h.disp = dispatch.New(dispatch.Config{
		RatePerSec:  1000,
		RetryMax:    1,
		RetryBase:   time.Millisecond,
		SendTimeout: time.Second,
	}, h.out, h.tr, logx.Nop(), nil, nil)
	h.tr.Bind(h.sched, h.disp, nil)
	require.NoError(t, h.tr.Load(context.Background()))

	h.disp.Start(context.Background())
	h.sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		h.sched.Stop(ctx)
		h.disp.Stop(ctx)
	})
	return h
}

func (h *harness) polledIdle(id presence.Identity, polls int) func() bool {
	return func() bool {
		e, ok := h.sched.Get(id)
		return ok && e.State == schedule.Idle && !e.LastPollAt.IsZero() && h.src.count(id) >= polls
	}
}

// advanceTo moves the fake clock to target and keeps nudging it until cond
// holds, covering the window where the loop has not re-armed its timer yet.
func (h *harness) advanceTo(t *testing.T, target time.Time, cond func() bool) {
	t.Helper()
	if d := target.Sub(h.clock.Now()); d > 0 {
		h.clock.Advance(d)
	}
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Advance(time.Second)
		return false
	}, 3*time.Second, 5*time.Millisecond)
}

func TestFirstPollSeedsWithoutEvents(t *testing.T) {
	src := &scriptSource{fn: func(id presence.Identity, _ int) (presence.Snapshot, error) { return online(id), nil }}
	h := newHarness(t, nil, src)

	_, created, err := h.tr.Subscribe(context.Background(), groupG, idX)
	require.NoError(t, err)
	assert.True(t, created)

	require.Eventually(t, h.polledIdle(idX, 1), 2*time.Second, 2*time.Millisecond)
	e, _ := h.sched.Get(idX)
	assert.Equal(t, 3*time.Minute, e.Interval)
	assert.Equal(t, t0.Add(3*time.Minute), e.NextPollAt)

	snap, ok := h.tr.Snapshot(idX)
	require.True(t, ok)
	assert.Equal(t, presence.Online, snap.Presence)
	assert.Equal(t, t0, snap.LastSeen)

	st, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, st.Snapshots, idX)
	assert.Zero(t, h.out.total())
}

func TestGameStartNotifiesEnabledGroupsOnce(t *testing.T) {
	src := &scriptSource{fn: func(id presence.Identity, n int) (presence.Snapshot, error) {
		if n == 1 {
			return online(id), nil
		}
		return playing(id, 570, "Dota 2"), nil
	}}
	h := newHarness(t, nil, src)
	ctx := context.Background()
	for _, g := range []string{groupG, groupK, groupH} {
		_, _, err := h.tr.Subscribe(ctx, g, idX)
		require.NoError(t, err)
	}
	require.NoError(t, h.tr.SetEnabled(ctx, groupH, idX, false))
	require.Eventually(t, h.polledIdle(idX, 1), 2*time.Second, 2*time.Millisecond)

	h.advanceTo(t, t0.Add(3*time.Minute), h.polledIdle(idX, 2))
	require.Eventually(t, func() bool { return h.out.total() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"🎮 gaben started playing Dota 2"}, h.out.texts(groupG))
	assert.Len(t, h.out.texts(groupK), 1)
	assert.Empty(t, h.out.texts(groupH))

	e, _ := h.sched.Get(idX)
	assert.Equal(t, time.Minute, e.Interval)
}

func TestLinkedGroupReceivesGameSwitch(t *testing.T) {
	src := &scriptSource{fn: func(id presence.Identity, n int) (presence.Snapshot, error) {
		if n == 1 {
			return playing(id, 440, "Team Fortress 2"), nil
		}
		return playing(id, 570, "Dota 2"), nil
	}}
	h := newHarness(t, nil, src)
	ctx := context.Background()
	_, _, err := h.tr.Subscribe(ctx, groupG, idX)
	require.NoError(t, err)
	require.NoError(t, h.tr.Link(ctx, groupG, idX, groupH))
	require.Eventually(t, h.polledIdle(idX, 1), 2*time.Second, 2*time.Millisecond)

	h.advanceTo(t, t0.Add(time.Minute), h.polledIdle(idX, 2))
	require.Eventually(t, func() bool { return h.out.total() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, h.out.texts(groupG), 1)
	assert.Len(t, h.out.texts(groupH), 1)
	assert.Contains(t, h.out.texts(groupH)[0], "switched from Team Fortress 2 to Dota 2")
}

func TestSourceFailuresBackOffWithoutAffectingOthers(t *testing.T) {
	src := &scriptSource{fn: func(id presence.Identity, n int) (presence.Snapshot, error) {
		if id == idX && n <= 3 {
			return presence.Snapshot{}, errDown
		}
		if id == idX {
			return playing(id, 570, "Dota 2"), nil
		}
		return online(id), nil
	}}
	h := newHarness(t, nil, src)
	ctx := context.Background()
	_, _, err := h.tr.Subscribe(ctx, groupG, idX)
	require.NoError(t, err)
	_, _, err = h.tr.Subscribe(ctx, groupG, idY)
	require.NoError(t, err)
	require.Eventually(t, h.polledIdle(idX, 1), 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, h.polledIdle(idY, 1), 2*time.Second, 2*time.Millisecond)

	for i := 2; i <= 3; i++ {
		e, _ := h.sched.Get(idX)
		assert.Equal(t, 30*time.Minute, e.Interval)
		h.advanceTo(t, e.NextPollAt, h.polledIdle(idX, i))
	}
	e, _ := h.sched.Get(idX)
	assert.Equal(t, 3, e.Failures)
	assert.Equal(t, 30*time.Minute, e.Interval)

	y, _ := h.sched.Get(idY)
	assert.Equal(t, 3*time.Minute, y.Interval)
	assert.Zero(t, y.Failures)

	st, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Meta[idX].Failures)
	assert.Equal(t, string(fault.SourceUnavailable), st.Meta[idX].LastErrorKind)

	h.advanceTo(t, e.NextPollAt, h.polledIdle(idX, 4))
	e, _ = h.sched.Get(idX)
	assert.Equal(t, time.Minute, e.Interval)
	assert.Zero(t, e.Failures)
}

func TestRestartRestoresSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		require.NoError(t, err)
		return st
	}
	src := &scriptSource{fn: func(id presence.Identity, _ int) (presence.Snapshot, error) {
		return playing(id, 570, "Dota 2"), nil
	}}

	st := open()
	h := newHarness(t, st, src)
	_, _, err := h.tr.Subscribe(context.Background(), groupG, idX)
	require.NoError(t, err)
	require.Eventually(t, h.polledIdle(idX, 1), 2*time.Second, 2*time.Millisecond)
	before, _ := h.sched.Get(idX)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h.sched.Stop(ctx)
	require.NoError(t, st.Close())

	st2 := open()
	t.Cleanup(func() { _ = st2.Close() })
	tr := New(Config{}, st2, src, h.clock, logx.Nop(), nil)
	sched := schedule.New(schedule.Config{Policy: schedule.DefaultPolicy()}, tr, h.clock, logx.Nop())
	tr.Bind(sched, nil, nil)
	require.NoError(t, tr.Load(context.Background()))

	after, ok := sched.Get(idX)
	require.True(t, ok)
	assert.Equal(t, before.NextPollAt, after.NextPollAt)
	assert.Equal(t, before.Interval, after.Interval)
	assert.Len(t, tr.SubscriptionsFor(idX), 1)

	snap, ok := tr.Snapshot(idX)
	require.True(t, ok)
	assert.Equal(t, t0, snap.GameStartedAt)
}

type failingStore struct {
	storage.Store
	err error
}

func (f *failingStore) UpsertSubscription(context.Context, presence.Subscription) error { return f.err }
func (f *failingStore) PutSnapshot(context.Context, presence.Snapshot, storage.PollMeta) error {
	return f.err
}

func TestRegistryWriteFailureLeavesIndexUnchanged(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	st := &failingStore{Store: mem, err: errors.New("disk full")}
	tr := New(Config{}, st, &scriptSource{}, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)
	sched := schedule.New(schedule.Config{}, tr, clockwork.NewFakeClockAt(t0), logx.Nop())
	tr.Bind(sched, nil, nil)

	_, _, err = tr.Subscribe(context.Background(), groupG, idX)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.Persistence)
	assert.Contains(t, err.Error(), "identity=76561197960287930")
	assert.Contains(t, err.Error(), "group="+groupG)
	assert.Empty(t, tr.SubscriptionsFor(idX))
	assert.Zero(t, sched.Len())
}

func TestSnapshotWriteFailureKeepsOldSnapshot(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	st := &failingStore{Store: mem}
	src := &scriptSource{fn: func(id presence.Identity, n int) (presence.Snapshot, error) {
		if n == 1 {
			return online(id), nil
		}
		return playing(id, 570, "Dota 2"), nil
	}}
	tr := New(Config{}, st, src, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)

	_, err = tr.Poll(context.Background(), idX, t0)
	require.NoError(t, err)
	st.err = errors.New("disk full")
	_, err = tr.Poll(context.Background(), idX, t0.Add(time.Minute))
	assert.ErrorIs(t, err, fault.Persistence)

	snap, _ := tr.Snapshot(idX)
	assert.Equal(t, presence.Online, snap.Presence)
}

func TestOfflinePollKeepsLastSeen(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		lastLogoff time.Time
		want       time.Time
	}{
		{name: "missing lastlogoff", want: t0},
		{name: "stale lastlogoff", lastLogoff: t0.Add(-48 * time.Hour), want: t0},
		{name: "newer lastlogoff", lastLogoff: t0.Add(2 * time.Minute), want: t0.Add(2 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
			require.NoError(t, err)
			src := &scriptSource{fn: func(id presence.Identity, n int) (presence.Snapshot, error) {
				if n == 1 {
					return online(id), nil
				}
				return presence.Snapshot{Identity: id, Presence: presence.Offline, LastSeen: tc.lastLogoff}, nil
			}}
			tr := New(Config{}, mem, src, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)

			_, err = tr.Poll(context.Background(), idX, t0)
			require.NoError(t, err)
			at := t0.Add(3 * time.Minute)
			snap, err := tr.Poll(context.Background(), idX, at)
			require.NoError(t, err)

			assert.Equal(t, tc.want, snap.LastSeen)
			assert.Equal(t, 3*time.Minute, schedule.DefaultPolicy().Interval(snap, at))
		})
	}
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []presence.Event
}

func (c *captureDispatcher) Dispatch(_ context.Context, events ...presence.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

type enricherFunc func(appID uint64, id string) *presence.AchievementInfo

func (f enricherFunc) Achievement(_ context.Context, appID uint64, id string) *presence.AchievementInfo {
	return f(appID, id)
}

func TestAchievementEventsAreEnriched(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	src := &scriptSource{fn: func(id presence.Identity, n int) (presence.Snapshot, error) {
		s := playing(id, 570, "Dota 2")
		s.Achievements = map[string]time.Time{"A": t0}
		if n > 1 {
			s.Achievements["B"] = t0.Add(time.Minute)
		}
		return s, nil
	}}
	disp := &captureDispatcher{}
	tr := New(Config{}, mem, src, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)
	tr.Bind(nil, disp, enricherFunc(func(appID uint64, id string) *presence.AchievementInfo {
		return &presence.AchievementInfo{Name: "Name " + id, GlobalPercent: 1.5, HasPercent: appID == 570}
	}))

	_, err = tr.Poll(context.Background(), idX, t0)
	require.NoError(t, err)
	_, err = tr.Poll(context.Background(), idX, t0.Add(time.Minute))
	require.NoError(t, err)

	require.Len(t, disp.events, 1)
	ev := disp.events[0]
	assert.Equal(t, presence.KindAchievement, ev.Kind)
	assert.Equal(t, "B", ev.AchievementID)
	require.NotNil(t, ev.Achievement)
	assert.Equal(t, "Name B", ev.Achievement.Name)
	assert.True(t, ev.Achievement.HasPercent)
}

type playtimeTable struct {
	enricherFunc
	hours map[uint64]time.Duration
}

func (e playtimeTable) Playtime(_ context.Context, _ presence.Identity, appID uint64) (time.Duration, bool) {
	d, ok := e.hours[appID]
	return d, ok
}

func TestGameStartCarriesPlaytime(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	src := &scriptSource{fn: func(id presence.Identity, n int) (presence.Snapshot, error) {
		switch n {
		case 1:
			return online(id), nil
		case 2:
			return playing(id, 570, "Dota 2"), nil
		default:
			return playing(id, 440, "Team Fortress 2"), nil
		}
	}}
	disp := &captureDispatcher{}
	tr := New(Config{}, mem, src, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)
	tr.Bind(nil, disp, playtimeTable{
		enricherFunc: func(uint64, string) *presence.AchievementInfo { return nil },
		hours:        map[uint64]time.Duration{570: 12 * time.Hour, 440: time.Hour},
	})

	for i := range 3 {
		_, err = tr.Poll(context.Background(), idX, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	var starts, switches []presence.Event
	for _, ev := range disp.events {
		switch ev.Kind {
		case presence.KindGameStart:
			starts = append(starts, ev)
		case presence.KindGameSwitch:
			switches = append(switches, ev)
		}
	}
	require.Len(t, starts, 1)
	assert.Equal(t, 12*time.Hour, starts[0].Playtime)
	require.Len(t, switches, 1)
	assert.Zero(t, switches[0].Playtime, "only game_start is enriched")
}

func TestUnknownIdentityIsPersistedDegraded(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	src := &scriptSource{fn: func(presence.Identity, int) (presence.Snapshot, error) {
		return presence.Snapshot{}, fault.New(fault.UnknownIdentity, "steam.fetch", errors.New("no player"))
	}}
	tr := New(Config{}, mem, src, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)

	_, err = tr.Poll(context.Background(), idX, t0)
	assert.ErrorIs(t, err, fault.Unknown)
	st, err := mem.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Meta[idX].Degraded)
	assert.Equal(t, 1, st.Meta[idX].Failures)
}

func TestRegistryOperations(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(t0)
	src := &scriptSource{fn: func(id presence.Identity, _ int) (presence.Snapshot, error) { return online(id), nil }}
	tr := New(Config{}, mem, src, clock, logx.Nop(), nil)
	sched := schedule.New(schedule.Config{}, tr, clock, logx.Nop())
	tr.Bind(sched, nil, nil)
	ctx := context.Background()

	_, _, err = tr.Subscribe(ctx, groupG, idX)
	require.NoError(t, err)
	_, created, err := tr.Subscribe(ctx, groupG, idX)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, sched.Len())

	require.NoError(t, tr.SetAchievementPush(ctx, groupG, idX, false))
	require.NoError(t, tr.Link(ctx, groupG, idX, groupH))
	assert.Equal(t, fault.Invalid, fault.KindOf(tr.Link(ctx, groupG, idX, groupG)))
	require.NoError(t, tr.SetGroupAchievementPush(ctx, groupH, false))

	subs := tr.SubscriptionsFor(idX)
	require.Len(t, subs, 1)
	assert.False(t, subs[0].AchievementPush)
	assert.Equal(t, []string{groupH}, subs[0].Linked)
	p, ok := tr.GroupPrefs(groupH)
	require.True(t, ok)
	assert.False(t, p.AchievementPush)

	require.NoError(t, tr.Unlink(ctx, groupG, idX, groupH))
	assert.Empty(t, tr.SubscriptionsFor(idX)[0].Linked)

	require.NoError(t, tr.SetEnabled(ctx, groupG, idX, false))
	assert.Zero(t, sched.Len(), "no enabled subscription left")
	require.NoError(t, tr.SetEnabled(ctx, groupG, idX, true))
	assert.Equal(t, 1, sched.Len())
	require.NoError(t, tr.PollNow(idX))

	err = tr.Unsubscribe(ctx, groupK, idX)
	assert.ErrorIs(t, err, ErrNotSubscribed)
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
	assert.ErrorIs(t, tr.PollNow(idY), ErrNotTracked)

	lines := tr.Status("")
	require.Len(t, lines, 1)
	assert.Nil(t, lines[0].Snapshot)

	st, err := mem.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Subscriptions, 1)
	assert.True(t, st.Subscriptions[0].Enabled)
}

func TestForgetDeletesOrphansOnly(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	src := &scriptSource{fn: func(id presence.Identity, _ int) (presence.Snapshot, error) { return online(id), nil }}
	tr := New(Config{}, mem, src, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)
	ctx := context.Background()

	for _, id := range []presence.Identity{idX, idY} {
		_, _, err := tr.Subscribe(ctx, groupG, id)
		require.NoError(t, err)
		_, err = tr.Poll(ctx, id, t0)
		require.NoError(t, err)
	}
	require.NoError(t, tr.Unsubscribe(ctx, groupG, idX))

	gone, err := tr.Forget(ctx)
	require.NoError(t, err)
	assert.Equal(t, []presence.Identity{idX}, gone)
	_, ok := tr.Snapshot(idX)
	assert.False(t, ok)
	_, ok = tr.Snapshot(idY)
	assert.True(t, ok)

	st, err := mem.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, st.Snapshots, idX)
	assert.Contains(t, st.Snapshots, idY)

	gone, err = tr.Forget(ctx)
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestNoAchievementAppsSeedSource(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	src := &seedingSource{}
	tr := New(Config{}, mem, src, clockwork.NewFakeClockAt(t0), logx.Nop(), nil)

	tr.NoAchievementApp(440)
	require.NoError(t, tr.Load(context.Background()))
	assert.Contains(t, src.seeded, uint64(440))
}

type seedingSource struct {
	scriptSource
	seeded map[uint64]struct{}
}

func (s *seedingSource) SetNoAchievementApps(apps map[uint64]struct{}) { s.seeded = apps }
