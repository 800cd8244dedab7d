package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"steamwatch/internal/cache"
	"steamwatch/internal/metrics"
	"steamwatch/internal/presence"
	"steamwatch/internal/retry"
	logx "steamwatch/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.steampowered.com"
	iconCDN        = "https://cdn.akamai.steamstatic.com/steamcommunity/public/images/apps/%d/%s.jpg"
)

type Config struct {
	APIKey  string
	BaseURL string

	// MinInterval is the minimum spacing between API requests.
	MinInterval      time.Duration
	RequestTimeout   time.Duration
	Retries          int
	RetryBackoff     time.Duration
	RateLimitBackoff time.Duration

	// Languages are tried in order for achievement schema text.
	Languages  []string
	DetailsTTL time.Duration
	DetailsMax int

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c *Config) defaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 5 * time.Second
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"schinese", "english", "en"}
	}
	if c.DetailsTTL <= 0 {
		c.DetailsTTL = 24 * time.Hour
	}
	if c.DetailsMax <= 0 {
		c.DetailsMax = 512
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Client is the Steam Web API snapshot source.
type Client struct {
	log   logx.Logger
	clock clockwork.Clock
	http  *http.Client
	cb    *gobreaker.CircuitBreaker

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	details *cache.TTLCache[uint64, map[string]presence.AchievementInfo]

	noAchMu sync.Mutex
	noAch   map[uint64]struct{}
	onNoAch func(appID uint64)
}

func New(cfg Config, clock clockwork.Clock, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("steam api key is empty")
	}
	cfg.defaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		log:     log,
		clock:   clock,
		http:    &http.Client{},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		details: cache.NewTTLCache[uint64, map[string]presence.AchievementInfo](clock, cfg.DetailsMax),
		noAch:   map[uint64]struct{}{},
	}
	failures := cfg.BreakerFailures
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "steam",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logx.String("component", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues("steam").Set(0)
	return c, nil
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Apply hot-reloads request pacing and languages. The key and base URL are
// kept from construction.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.APIKey = c.cfg.APIKey
	cfg.BaseURL = c.cfg.BaseURL
	cfg.defaults()
	if cfg.MinInterval != c.cfg.MinInterval {
		c.limiter.SetLimit(rate.Every(cfg.MinInterval))
	}
	c.cfg = cfg
}

// SetNoAchievementApps seeds the apps known to have no achievement stats.
func (c *Client) SetNoAchievementApps(apps map[uint64]struct{}) {
	c.noAchMu.Lock()
	defer c.noAchMu.Unlock()
	for id := range apps {
		c.noAch[id] = struct{}{}
	}
}

// OnNoAchievements registers a hook fired the first time an app reports no stats.
func (c *Client) OnNoAchievements(fn func(appID uint64)) {
	c.noAchMu.Lock()
	c.onNoAch = fn
	c.noAchMu.Unlock()
}

func (c *Client) hasNoAchievements(appID uint64) bool {
	c.noAchMu.Lock()
	defer c.noAchMu.Unlock()
	_, ok := c.noAch[appID]
	return ok
}

func (c *Client) markNoAchievements(appID uint64) {
	c.noAchMu.Lock()
	if _, ok := c.noAch[appID]; ok {
		c.noAchMu.Unlock()
		return
	}
	c.noAch[appID] = struct{}{}
	fn := c.onNoAch
	c.noAchMu.Unlock()
	c.log.Info("app has no achievement stats, skipping from now on", logx.Uint64("app_id", appID))
	if fn != nil {
		fn(appID)
	}
}

type player struct {
	SteamID       string `json:"steamid"`
	PersonaName   string `json:"personaname"`
	PersonaState  int    `json:"personastate"`
	AvatarFull    string `json:"avatarfull"`
	LastLogoff    int64  `json:"lastlogoff"`
	GameID        string `json:"gameid"`
	GameExtraInfo string `json:"gameextrainfo"`
}

type summariesResponse struct {
	Response struct {
		Players []player `json:"players"`
	} `json:"response"`
}

// Fetch returns the current snapshot of id. Achievements are fetched for the
// current game only; any failure there leaves the set unknown rather than
// failing the poll.
func (c *Client) Fetch(ctx context.Context, id presence.Identity) (presence.Snapshot, error) {
	var out summariesResponse
	q := url.Values{"steamids": {id.String()}}
	if err := c.getJSON(ctx, "player_summaries", "/ISteamUser/GetPlayerSummaries/v2/", q, &out); err != nil {
		return presence.Snapshot{}, toFault("steam.fetch", id, err)
	}
	var p *player
	for i := range out.Response.Players {
		if out.Response.Players[i].SteamID == id.String() {
			p = &out.Response.Players[i]
			break
		}
	}
	if p == nil {
		err := &APIError{Kind: NotFound, Endpoint: "player_summaries", Err: errors.New("no such player")}
		return presence.Snapshot{}, toFault("steam.fetch", id, err)
	}

	snap := playerSnapshot(id, *p, c.clock.Now())
	if snap.InGame() {
		snap.Achievements = c.playerAchievements(ctx, id, snap.GameID)
	}
	return snap, nil
}

func playerSnapshot(id presence.Identity, p player, now time.Time) presence.Snapshot {
	s := presence.Snapshot{
		Identity:     id,
		PersonaState: presence.PersonaState(p.PersonaState),
		PersonaName:  p.PersonaName,
		AvatarURL:    p.AvatarFull,
		FetchedAt:    now,
	}
	gameID, _ := strconv.ParseUint(strings.TrimSpace(p.GameID), 10, 64)
	switch {
	case gameID != 0:
		s.Presence = presence.InGame
		s.GameID = gameID
		s.GameName = p.GameExtraInfo
	case p.PersonaState != 0:
		s.Presence = presence.Online
	default:
		s.Presence = presence.Offline
	}
	if s.Presence != presence.Offline {
		s.LastSeen = now
	} else if p.LastLogoff > 0 {
		s.LastSeen = time.Unix(p.LastLogoff, 0).UTC()
	}
	return s
}

type playerAchievementsResponse struct {
	PlayerStats struct {
		Success      bool   `json:"success"`
		Error        string `json:"error"`
		Achievements []struct {
			APIName    string `json:"apiname"`
			Achieved   int    `json:"achieved"`
			UnlockTime int64  `json:"unlocktime"`
		} `json:"achievements"`
	} `json:"playerstats"`
}

// playerAchievements returns the unlocked set or nil when unknown.
func (c *Client) playerAchievements(ctx context.Context, id presence.Identity, appID uint64) map[string]time.Time {
	if c.hasNoAchievements(appID) {
		return nil
	}
	var out playerAchievementsResponse
	q := url.Values{"steamid": {id.String()}, "appid": {strconv.FormatUint(appID, 10)}}
	err := c.getJSON(ctx, "player_achievements", "/ISteamUserStats/GetPlayerAchievements/v1/", q, &out)
	switch {
	case err == nil && out.PlayerStats.Success:
		set := make(map[string]time.Time, len(out.PlayerStats.Achievements))
		for _, a := range out.PlayerStats.Achievements {
			if a.Achieved != 1 || a.APIName == "" {
				continue
			}
			set[a.APIName] = time.Unix(a.UnlockTime, 0).UTC()
		}
		return set
	case err == nil:
		if strings.Contains(strings.ToLower(out.PlayerStats.Error), "no stats") {
			c.markNoAchievements(appID)
		}
		return nil
	case KindOf(err) == Forbidden:
		c.log.Debug("achievements private", logx.Identity("identity", uint64(id)), logx.Uint64("app_id", appID))
		return nil
	case KindOf(err) == BadRequest:
		c.markNoAchievements(appID)
		return nil
	default:
		c.log.Debug("achievements unavailable", logx.Identity("identity", uint64(id)), logx.Uint64("app_id", appID), logx.Err(err))
		return nil
	}
}

type ownedGamesResponse struct {
	Response struct {
		Games []struct {
			AppID           uint64 `json:"appid"`
			PlaytimeForever int64  `json:"playtime_forever"` // minutes
		} `json:"games"`
	} `json:"response"`
}

// Playtime returns the lifetime play time of appID for id. ok is false when
// the library is private or the call fails.
func (c *Client) Playtime(ctx context.Context, id presence.Identity, appID uint64) (time.Duration, bool) {
	var out ownedGamesResponse
	q := url.Values{
		"steamid":          {id.String()},
		"include_appinfo":  {"0"},
		"appids_filter[0]": {strconv.FormatUint(appID, 10)},
	}
	if err := c.getJSON(ctx, "owned_games", "/IPlayerService/GetOwnedGames/v1/", q, &out); err != nil {
		c.log.Debug("playtime unavailable", logx.Identity("identity", uint64(id)), logx.Uint64("app_id", appID), logx.Err(err))
		return 0, false
	}
	for _, g := range out.Response.Games {
		if g.AppID == appID {
			return time.Duration(g.PlaytimeForever) * time.Minute, true
		}
	}
	return 0, false
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, q url.Values, out any) error {
	c.mu.RLock()
	cfg := c.cfg
	lim := c.limiter
	c.mu.RUnlock()

	policy := retry.Policy{
		MaxAttempts:      1 + cfg.Retries,
		InitialBackoff:   cfg.RetryBackoff,
		RateLimitBackoff: cfg.RateLimitBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.log.Debug("steam request retry", logx.String("endpoint", endpoint), logx.Int("attempt", attempt), logx.Duration("backoff", backoff), logx.Err(err))
		},
	}
	_, err := retry.Do(ctx, policy, classify, func() (struct{}, error) {
		if err := lim.Wait(ctx); err != nil {
			return struct{}{}, &APIError{Kind: Transient, Endpoint: endpoint, Err: err}
		}
		_, err := c.cb.Execute(func() (interface{}, error) {
			return nil, c.do(ctx, cfg, endpoint, path, q, out)
		})
		return struct{}{}, err
	})
	return err
}

func (c *Client) do(ctx context.Context, cfg Config, endpoint, path string, q url.Values, out any) error {
	params := url.Values{}
	for k, v := range q {
		params[k] = v
	}
	params.Set("key", cfg.APIKey)
	params.Set("format", "json")

	rctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return &APIError{Kind: Transient, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	metrics.SteamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.SteamRequests.WithLabelValues(endpoint, "error").Inc()
		// url.Error would leak the key through the request URL.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return &APIError{Kind: Transient, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	metrics.SteamRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if kind, failed := statusKind(resp.StatusCode); failed {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		ae := &APIError{Kind: kind, Endpoint: endpoint, Status: resp.StatusCode}
		if msg := strings.TrimSpace(string(body)); msg != "" {
			ae.Err = errors.New(msg)
		}
		return ae
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return &APIError{Kind: Transient, Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
