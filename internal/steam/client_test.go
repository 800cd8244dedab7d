package steam

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"steamwatch/internal/fault"
	"steamwatch/internal/presence"
	logx "steamwatch/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testID  = presence.Identity(76561197960287930)
	testKey = "secret-key"
)

type fakeSteam struct {
	mu     sync.Mutex
	routes map[string]func(w http.ResponseWriter, r *http.Request)
	hits   map[string]int
}

func newFakeSteam(t *testing.T) (*fakeSteam, *httptest.Server) {
	t.Helper()
	f := &fakeSteam{routes: map[string]func(http.ResponseWriter, *http.Request){}, hits: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != testKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.hits[r.URL.Path]++
		h := f.routes[r.URL.Path]
		f.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSteam) handle(path string, h func(http.ResponseWriter, *http.Request)) {
	f.mu.Lock()
	f.routes[path] = h
	f.mu.Unlock()
}

func (f *fakeSteam) json(path string, status int, body string) {
	f.handle(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func (f *fakeSteam) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

const (
	pathSummaries   = "/ISteamUser/GetPlayerSummaries/v2/"
	pathAchievement = "/ISteamUserStats/GetPlayerAchievements/v1/"
	pathSchema      = "/ISteamUserStats/GetSchemaForGame/v2/"
	pathPercent     = "/ISteamUserStats/GetGlobalAchievementPercentagesForApp/v2/"
	pathOwnedGames  = "/IPlayerService/GetOwnedGames/v1/"
)

func summaries(gameID, gameName string, state int) string {
	return fmt.Sprintf(`{"response":{"players":[{"steamid":"%d","personaname":"alice","personastate":%d,"lastlogoff":1700000000,"gameid":%q,"gameextrainfo":%q}]}}`,
		uint64(testID), state, gameID, gameName)
}

func newTestClient(t *testing.T, srv *httptest.Server, mod func(*Config)) (*Client, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{
		APIKey:          testKey,
		BaseURL:         srv.URL,
		MinInterval:     time.Millisecond,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 100,
	}
	if mod != nil {
		mod(&cfg)
	}
	c, err := New(cfg, clock, logx.Nop())
	require.NoError(t, err)
	return c, clock
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil, logx.Nop())
	assert.Error(t, err)
}

func TestFetchInGameWithAchievements(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 200, summaries("570", "Dota 2", 1))
	f.json(pathAchievement, 200, `{"playerstats":{"success":true,"achievements":[
		{"apiname":"WIN","achieved":1,"unlocktime":1709290000},
		{"apiname":"LOSE","achieved":0,"unlocktime":0}]}}`)
	c, clock := newTestClient(t, srv, nil)

	snap, err := c.Fetch(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, presence.InGame, snap.Presence)
	assert.Equal(t, uint64(570), snap.GameID)
	assert.Equal(t, "Dota 2", snap.GameName)
	assert.Equal(t, "alice", snap.PersonaName)
	assert.Equal(t, clock.Now(), snap.LastSeen)
	require.NotNil(t, snap.Achievements)
	assert.Len(t, snap.Achievements, 1)
	assert.Equal(t, time.Unix(1709290000, 0).UTC(), snap.Achievements["WIN"])
}

func TestFetchOfflineUsesLastLogoff(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 200, summaries("", "", 0))
	c, _ := newTestClient(t, srv, nil)

	snap, err := c.Fetch(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, presence.Offline, snap.Presence)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), snap.LastSeen)
	assert.Nil(t, snap.Achievements)
	assert.Zero(t, f.count(pathAchievement))
}

func TestFetchPrivateAchievementsIsUnknown(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 200, summaries("570", "Dota 2", 1))
	f.json(pathAchievement, 403, `{"playerstats":{"error":"Profile is not public","success":false}}`)
	c, _ := newTestClient(t, srv, nil)

	snap, err := c.Fetch(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, presence.InGame, snap.Presence)
	assert.Nil(t, snap.Achievements)
}

func TestFetchNoStatsAppIsRemembered(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 200, summaries("440", "TF2", 1))
	f.json(pathAchievement, 400, `{"playerstats":{"error":"Requested app has no stats","success":false}}`)
	c, _ := newTestClient(t, srv, nil)

	var marked atomic.Uint64
	c.OnNoAchievements(func(appID uint64) { marked.Store(appID) })

	for i := 0; i < 2; i++ {
		snap, err := c.Fetch(context.Background(), testID)
		require.NoError(t, err)
		assert.Nil(t, snap.Achievements)
	}
	assert.Equal(t, uint64(440), marked.Load())
	assert.Equal(t, 1, f.count(pathAchievement))
}

func TestSeededNoAchievementAppsSkipFetch(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 200, summaries("440", "TF2", 1))
	c, _ := newTestClient(t, srv, nil)
	c.SetNoAchievementApps(map[uint64]struct{}{440: {}})

	_, err := c.Fetch(context.Background(), testID)
	require.NoError(t, err)
	assert.Zero(t, f.count(pathAchievement))
}

func TestFetchUnknownIdentity(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 200, `{"response":{"players":[]}}`)
	c, _ := newTestClient(t, srv, nil)

	_, err := c.Fetch(context.Background(), testID)
	require.Error(t, err)
	assert.Equal(t, fault.UnknownIdentity, fault.KindOf(err))
	assert.ErrorIs(t, err, fault.Unknown)
}

func TestFetchServerErrorIsSourceUnavailable(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 502, `bad gateway`)
	c, _ := newTestClient(t, srv, func(cfg *Config) { cfg.Retries = 2 })

	_, err := c.Fetch(context.Background(), testID)
	require.Error(t, err)
	assert.Equal(t, fault.SourceUnavailable, fault.KindOf(err))
	assert.Equal(t, 3, f.count(pathSummaries))
	assert.NotContains(t, err.Error(), testKey)
}

func TestFetchRetriesRateLimit(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	var calls atomic.Int32
	f.handle(pathSummaries, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(summaries("", "", 1)))
	})
	c, _ := newTestClient(t, srv, func(cfg *Config) {
		cfg.Retries = 1
		cfg.RateLimitBackoff = time.Millisecond
	})

	snap, err := c.Fetch(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, presence.Online, snap.Presence)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransportErrorDoesNotLeakKey(t *testing.T) {
	t.Parallel()
	_, srv := newFakeSteam(t)
	c, _ := newTestClient(t, srv, nil)
	srv.Close()

	_, err := c.Fetch(context.Background(), testID)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testKey)
	assert.Equal(t, fault.SourceUnavailable, fault.KindOf(err))
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 500, `boom`)
	c, _ := newTestClient(t, srv, func(cfg *Config) {
		cfg.BreakerFailures = 2
		cfg.BreakerTimeout = time.Hour
	})

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), testID)
		require.Error(t, err)
	}
	_, err := c.Fetch(context.Background(), testID)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, f.count(pathSummaries))
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSummaries, 404, `missing`)
	c, _ := newTestClient(t, srv, func(cfg *Config) { cfg.BreakerFailures = 1 })

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), testID)
		assert.Equal(t, fault.UnknownIdentity, fault.KindOf(err))
	}
	assert.Equal(t, 3, f.count(pathSummaries))
}

func TestDetailsLanguageFallbackAndCache(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.handle(pathSchema, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("l") == "schinese" {
			_, _ = w.Write([]byte(`{"game":{"availableGameStats":{"achievements":[{"name":"WIN","displayName":""}]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"game":{"gameName":"Dota 2","availableGameStats":{"achievements":[
			{"name":"WIN","displayName":"Winner","description":"Win a match","icon":"abc123"},
			{"name":"FULL","displayName":"Full","icon":"https://cdn.example/full.jpg"}]}}}`))
	})
	f.json(pathPercent, 200, `{"achievementpercentages":{"achievements":[{"name":"WIN","percent":"12.5"},{"name":"FULL","percent":3.25}]}}`)
	c, clock := newTestClient(t, srv, nil)

	got, err := c.Details(context.Background(), 570)
	require.NoError(t, err)
	require.Contains(t, got, "WIN")
	win := got["WIN"]
	assert.Equal(t, "Winner", win.Name)
	assert.Equal(t, "Win a match", win.Description)
	assert.True(t, win.HasPercent)
	assert.InDelta(t, 12.5, win.GlobalPercent, 0.001)
	assert.Equal(t, "https://cdn.akamai.steamstatic.com/steamcommunity/public/images/apps/570/abc123.jpg", win.IconURL)
	assert.Equal(t, "https://cdn.example/full.jpg", got["FULL"].IconURL)
	assert.InDelta(t, 3.25, got["FULL"].GlobalPercent, 0.001)
	assert.Equal(t, 2, f.count(pathSchema))

	info := c.Achievement(context.Background(), 570, "WIN")
	require.NotNil(t, info)
	assert.Equal(t, 2, f.count(pathSchema), "served from cache")
	assert.Nil(t, c.Achievement(context.Background(), 570, "MISSING"))

	clock.Advance(25 * time.Hour)
	_, err = c.Details(context.Background(), 570)
	require.NoError(t, err)
	assert.Equal(t, 4, f.count(pathSchema))
}

func TestDetailsWithoutPercentages(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSchema, 200, `{"game":{"availableGameStats":{"achievements":[{"name":"WIN","displayName":"Winner"}]}}}`)
	f.json(pathPercent, 500, `nope`)
	c, _ := newTestClient(t, srv, nil)

	info := c.Achievement(context.Background(), 570, "WIN")
	require.NotNil(t, info)
	assert.Equal(t, "Winner", info.Name)
	assert.False(t, info.HasPercent)
}

func TestDetailsFailureIsNil(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.json(pathSchema, 500, `nope`)
	c, _ := newTestClient(t, srv, func(cfg *Config) { cfg.Languages = []string{"english"} })

	assert.Nil(t, c.Achievement(context.Background(), 570, "WIN"))
	_, err := c.Details(context.Background(), 570)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "schema"))
}

func TestPlaytime(t *testing.T) {
	t.Parallel()
	f, srv := newFakeSteam(t)
	f.handle(pathOwnedGames, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("steamid") != testID.String():
			w.WriteHeader(http.StatusBadRequest)
		case q.Get("appids_filter[0]") == "570":
			_, _ = w.Write([]byte(`{"response":{"game_count":1,"games":[{"appid":570,"playtime_forever":755}]}}`))
		default:
			// private library
			_, _ = w.Write([]byte(`{"response":{}}`))
		}
	})
	c, _ := newTestClient(t, srv, nil)

	d, ok := c.Playtime(context.Background(), testID, 570)
	require.True(t, ok)
	assert.Equal(t, 755*time.Minute, d)

	_, ok = c.Playtime(context.Background(), testID, 440)
	assert.False(t, ok)

	f.json(pathOwnedGames, 500, `nope`)
	_, ok = c.Playtime(context.Background(), testID, 570)
	assert.False(t, ok)
}

func TestKindMapping(t *testing.T) {
	t.Parallel()
	cases := map[int]ErrorKind{
		429: RateLimited, 401: Forbidden, 403: Forbidden, 400: BadRequest, 404: NotFound, 500: Transient, 503: Transient,
	}
	for code, want := range cases {
		got, failed := statusKind(code)
		assert.True(t, failed, code)
		assert.Equal(t, want, got, code)
	}
	_, failed := statusKind(200)
	assert.False(t, failed)
}
