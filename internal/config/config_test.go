package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
steam:
  api_key: k
  min_interval: 1s
schedule:
  in_game: 1m
  tiers:
    - {within: 12m, interval: 3m}
    - {within: 3h, interval: 5m}
  idle: 30m
storage:
  driver: file
  path: ./state
telegram:
  enabled: true
  token: tg
  owner_user_ids: [42]
maintenance:
  enabled: true
  prune_dedup: "@hourly"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "steamwatch.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "k", cfg.Steam.APIKey)
	require.Len(t, cfg.Schedule.Tiers, 2)
	assert.Equal(t, "3h", cfg.Schedule.Tiers[1].Within)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "@hourly", cfg.Maintenance.PruneDedup)
}

func TestUnknownFieldsRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := NewConfigManager(writeFile(t, dir, "a.json", `{"steam":{"api_key":"k","apikey":"typo"}}`)).Parse()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "b.yaml", "steam:\n  api_key: k\nplugins: {}\n")).Parse()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "c.json", `{"steam":{"api_key":"k"}}{}`)).Parse()
	assert.ErrorContains(t, err, "trailing data")

	_, err = NewConfigManager(writeFile(t, dir, "d.toml", ``)).Parse()
	assert.ErrorContains(t, err, "unsupported")
}

func TestEnvFillsEmptySecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "TELEGRAM_TOKEN=from-dotenv\n")
	p := writeFile(t, dir, "cfg.json", `{"steam":{"api_key":"file-key"},"telegram":{"enabled":true,"owner_user_ids":[1]}}`)

	t.Setenv(EnvSteamAPIKey, "env-key")
	t.Setenv(EnvTelegramToken, "")
	require.NoError(t, os.Unsetenv(EnvTelegramToken))
	require.NoError(t, LoadDotEnv(p))
	t.Cleanup(func() { _ = os.Unsetenv(EnvTelegramToken) })

	cfg, err := NewConfigManager(p).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Steam.APIKey)
	assert.Equal(t, "from-dotenv", cfg.Telegram.Token)
}

func TestLoadDotEnvMissingIsFine(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "cfg.json")))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Steam: SteamConfig{APIKey: "k"}}
	}
	require.NoError(t, Validate(base()))

	cases := map[string]func(c *Config){
		"missing key":     func(c *Config) { c.Steam.APIKey = "" },
		"bad duration":    func(c *Config) { c.Schedule.InGame = "soon" },
		"negative":        func(c *Config) { c.Steam.MinInterval = "-1s" },
		"bad tier":        func(c *Config) { c.Schedule.Tiers = []TierConfig{{Within: "1h", Interval: "x"}} },
		"driver":          func(c *Config) { c.Storage.Driver = "redis" },
		"file needs path": func(c *Config) { c.Storage.Driver = "file" },
		"telegram token":  func(c *Config) { c.Telegram.Enabled = true },
		"discord token":   func(c *Config) { c.Discord.Enabled = true },
		"log chat group":  func(c *Config) { c.Logging.Chat = LoggingChat{Enabled: true, Group: "irc:1"} },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mod(c)
			assert.Error(t, Validate(c))
		})
	}

	c := base()
	c.Dispatch.DedupWindow = "-1s"
	assert.NoError(t, Validate(c))
}

func TestDurations(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
	assert.Equal(t, -time.Second, MustDuration("-1s"))
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Steam: SteamConfig{APIKey: "a"}, Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}}}
	same := *old
	assert.True(t, SummarizeConfigChange(old, &same).Empty())

	next := *old
	next.Telegram.OwnerUserIDs = []int64{1, 2}
	next.Schedule.InGame = "2m"
	ch := SummarizeConfigChange(old, &next)
	assert.Equal(t, []string{"schedule", "telegram"}, ch.Sections)
	assert.Empty(t, ch.RestartRequired)

	next = *old
	next.Steam.APIKey = "b"
	next.Storage.Driver = "sqlite"
	ch = SummarizeConfigChange(old, &next)
	assert.Equal(t, []string{"steam", "storage"}, ch.RestartRequired)
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Info()
	for _, f := range ch.Fields {
		f(ev)
	}
	ev.Msg("reload")
	assert.Contains(t, buf.String(), `"steam.key_changed":true`)
	assert.NotContains(t, buf.String(), `"b"`)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.json", `{"steam":{"api_key":"k"}}`)
	m := NewConfigManager(p)
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	sub := m.Subscribe(1)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	writeFile(t, dir, "cfg.json", `{"steam":{"api_key":"k","retries":2}}`)
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, 2, (<-sub).Steam.Retries)

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	writeFile(t, dir, "cfg.json", `{"steam":{"api_key":"k","retries":3}}`)
	_, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, m.Get().Steam.Retries)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}

func TestWatchReloadsFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.yaml", "steam:\n  api_key: k\n")
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "cfg.yaml", "steam:\n  api_key: k\n  retries: 4\n")
	select {
	case cfg := <-sub:
		assert.Equal(t, 4, cfg.Steam.Retries)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}
