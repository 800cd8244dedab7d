package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	kit "steamwatch/internal/transport"
)

// Validate checks what can be checked without building components.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Steam.APIKey) == "" {
		add(fmt.Errorf("steam.api_key is required (or set %s)", EnvSteamAPIKey))
	}
	if cfg.Steam.Retries < 0 {
		add(errors.New("steam.retries must be >= 0"))
	}
	dur("steam.min_interval", cfg.Steam.MinInterval)
	dur("steam.request_timeout", cfg.Steam.RequestTimeout)
	dur("steam.retry_backoff", cfg.Steam.RetryBackoff)
	dur("steam.rate_limit_backoff", cfg.Steam.RateLimitBackoff)
	dur("steam.details_ttl", cfg.Steam.DetailsTTL)
	dur("steam.breaker_timeout", cfg.Steam.BreakerTimeout)

	s := cfg.Schedule
	dur("schedule.in_game", s.InGame)
	dur("schedule.idle", s.Idle)
	dur("schedule.failure", s.Failure)
	dur("schedule.poll_timeout", s.PollTimeout)
	dur("schedule.shutdown_grace", s.ShutdownGrace)
	for i, t := range s.Tiers {
		dur("schedule.tiers["+strconv.Itoa(i)+"].within", t.Within)
		dur("schedule.tiers["+strconv.Itoa(i)+"].interval", t.Interval)
	}
	if s.MaxInFlight < 0 {
		add(errors.New("schedule.max_in_flight must be >= 0"))
	}

	d := cfg.Dispatch
	dur("dispatch.retry_base", d.RetryBase)
	dur("dispatch.retry_max_delay", d.RetryMaxDelay)
	dur("dispatch.send_timeout", d.SendTimeout)
	dur("dispatch.render_timeout", d.RenderTimeout)
	dur("dispatch.fingerprint_bucket", d.FingerprintBucket)
	_, err := ParseSignedDuration("dispatch.dedup_window", d.DedupWindow)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("storage.timeout", cfg.Storage.Timeout)

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required when telegram is enabled (or set %s)", EnvTelegramToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if cfg.Discord.Enabled && strings.TrimSpace(cfg.Discord.Token) == "" {
		add(fmt.Errorf("discord.token is required when discord is enabled (or set %s)", EnvDiscordToken))
	}

	if c := cfg.Logging.Chat; c.Enabled {
		if _, err := kit.ParseGroup(c.Group); err != nil {
			add(fmt.Errorf("logging.chat.group: %w", err))
		}
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	dur("maintenance.timeout", cfg.Maintenance.Timeout)

	return errors.Join(errs...)
}
