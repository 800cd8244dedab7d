package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"steamwatch/internal/metrics"
	"steamwatch/internal/presence"
	logx "steamwatch/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	pruneAt    []time.Time
	compacts   int
	compactErr error
}

func (f *fakeStore) PruneDedup(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneAt = append(f.pruneAt, now)
	return 3, nil
}

func (f *fakeStore) Compact(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacts++
	return f.compactErr
}

type forgetFunc func(ctx context.Context) ([]presence.Identity, error)

func (f forgetFunc) Forget(ctx context.Context) ([]presence.Identity, error) { return f(ctx) }

func TestRunJobs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	store := &fakeStore{}
	forgot := 0
	s := New(Config{}, store, forgetFunc(func(context.Context) ([]presence.Identity, error) {
		forgot++
		return []presence.Identity{1}, nil
	}), clock, logx.Nop())

	require.NoError(t, s.Run(context.Background(), JobPruneDedup))
	require.NoError(t, s.Run(context.Background(), JobForget))
	require.NoError(t, s.Run(context.Background(), JobCompact))

	assert.Equal(t, []time.Time{clock.Now()}, store.pruneAt)
	assert.Equal(t, 1, forgot)
	assert.Equal(t, 1, store.compacts)
	assert.Error(t, s.Run(context.Background(), "nope"))
}

func TestFailedRunIsCounted(t *testing.T) {
	store := &fakeStore{compactErr: errors.New("disk")}
	s := New(Config{}, store, nil, nil, logx.Nop())
	before := testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues(JobCompact, "error"))
	assert.Error(t, s.Run(context.Background(), JobCompact))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues(JobCompact, "error")))
}

func TestValidate(t *testing.T) {
	s := New(Config{}, &fakeStore{}, nil, nil, logx.Nop())
	assert.NoError(t, s.Validate(Config{PruneDedup: "@hourly", Compact: "0 4 * * *", Forget: "*/30 * * * * *"}))
	assert.Error(t, s.Validate(Config{Compact: "every day"}))
	assert.Error(t, s.Validate(Config{Timezone: "Mars/Olympus"}))
}

func TestCronTriggersJobs(t *testing.T) {
	store := &fakeStore{}
	s := New(Config{Enabled: true, PruneDedup: "* * * * * *"}, store, nil, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.pruneAt) > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestApplyDisables(t *testing.T) {
	s := New(Config{Enabled: true, Compact: "@daily"}, &fakeStore{}, nil, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Apply(context.Background(), Config{Enabled: false}))
	s.mu.Lock()
	assert.Nil(t, s.c)
	s.mu.Unlock()
	assert.Error(t, s.Apply(context.Background(), Config{Enabled: true, Compact: "bogus"}))
}
