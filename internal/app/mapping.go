package app

import (
	"fmt"
	"strings"
	"time"

	"steamwatch/internal/config"
	"steamwatch/internal/dispatch"
	"steamwatch/internal/maintenance"
	"steamwatch/internal/observability/httpserver"
	"steamwatch/internal/schedule"
	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/tracker"
	telegram "steamwatch/internal/transport/telegram/adapter"
	logx "steamwatch/pkg/logx"
)

// The map* helpers turn the on-disk config into component configs. They
// only fail on values Validate would also reject, so a reload that passed
// validation always maps.

func mapSteamConfig(cfg *config.Config) (steam.Config, error) {
	sc := cfg.Steam
	out := steam.Config{
		APIKey:          strings.TrimSpace(sc.APIKey),
		BaseURL:         strings.TrimSpace(sc.BaseURL),
		Retries:         sc.Retries,
		Languages:       sc.Languages,
		DetailsMax:      sc.DetailsMax,
		BreakerFailures: uint32(max(sc.BreakerFailures, 0)),
	}
	var err error
	if out.MinInterval, err = config.ParseDurationField("steam.min_interval", sc.MinInterval); err != nil {
		return steam.Config{}, err
	}
	if out.RequestTimeout, err = config.ParseDurationField("steam.request_timeout", sc.RequestTimeout); err != nil {
		return steam.Config{}, err
	}
	if out.RetryBackoff, err = config.ParseDurationField("steam.retry_backoff", sc.RetryBackoff); err != nil {
		return steam.Config{}, err
	}
	if out.RateLimitBackoff, err = config.ParseDurationField("steam.rate_limit_backoff", sc.RateLimitBackoff); err != nil {
		return steam.Config{}, err
	}
	if out.DetailsTTL, err = config.ParseDurationField("steam.details_ttl", sc.DetailsTTL); err != nil {
		return steam.Config{}, err
	}
	if out.BreakerTimeout, err = config.ParseDurationField("steam.breaker_timeout", sc.BreakerTimeout); err != nil {
		return steam.Config{}, err
	}
	return out, nil
}

// mapPolicy starts from the default table; fields left empty keep their
// default and a non-empty tier list replaces the default tiers.
func mapPolicy(sc config.ScheduleConfig) (schedule.Policy, error) {
	p := schedule.DefaultPolicy()
	set := func(path, raw string, dst *time.Duration) error {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			return err
		}
		if d > 0 {
			*dst = d
		}
		return nil
	}
	if err := set("schedule.in_game", sc.InGame, &p.InGame); err != nil {
		return schedule.Policy{}, err
	}
	if err := set("schedule.idle", sc.Idle, &p.Idle); err != nil {
		return schedule.Policy{}, err
	}
	if err := set("schedule.failure", sc.Failure, &p.Failure); err != nil {
		return schedule.Policy{}, err
	}
	if len(sc.Tiers) > 0 {
		tiers := make([]schedule.Tier, 0, len(sc.Tiers))
		for i, t := range sc.Tiers {
			within, err := config.ParseDurationField(fmt.Sprintf("schedule.tiers[%d].within", i), t.Within)
			if err != nil {
				return schedule.Policy{}, err
			}
			interval, err := config.ParseDurationField(fmt.Sprintf("schedule.tiers[%d].interval", i), t.Interval)
			if err != nil {
				return schedule.Policy{}, err
			}
			tiers = append(tiers, schedule.Tier{Within: within, Interval: interval})
		}
		p.Tiers = tiers
	}
	if err := p.Validate(); err != nil {
		return schedule.Policy{}, fmt.Errorf("schedule: %w", err)
	}
	return p, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	sc := cfg.Schedule
	p, err := mapPolicy(sc)
	if err != nil {
		return schedule.Config{}, err
	}
	out := schedule.Config{Policy: p, MaxInFlight: sc.MaxInFlight}
	if out.PollTimeout, err = config.ParseDurationField("schedule.poll_timeout", sc.PollTimeout); err != nil {
		return schedule.Config{}, err
	}
	if out.ShutdownGrace, err = config.ParseDurationField("schedule.shutdown_grace", sc.ShutdownGrace); err != nil {
		return schedule.Config{}, err
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.Config{
		Lanes:           dc.Lanes,
		LaneQueue:       dc.LaneQueue,
		RatePerSec:      dc.RatePerSec,
		RetryMax:        dc.RetryMax,
		DedupMaxEntries: dc.DedupMaxEntries,
		// Persisted suppression is the default whenever the store is durable.
		PersistDedup: dc.PersistDedup == nil || *dc.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("dispatch.retry_base", dc.RetryBase); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("dispatch.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return dispatch.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if out.RenderTimeout, err = config.ParseDurationField("dispatch.render_timeout", dc.RenderTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if out.DedupWindow, err = config.ParseSignedDuration("dispatch.dedup_window", dc.DedupWindow); err != nil {
		return dispatch.Config{}, err
	}
	if out.FingerprintBucket, err = config.ParseDurationField("dispatch.fingerprint_bucket", dc.FingerprintBucket); err != nil {
		return dispatch.Config{}, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
		out.PersistDedup = false
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file", "sqlite":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, CompactEvery: sc.CompactEvery}, nil
}

func mapTrackerConfig(cfg *config.Config) (tracker.Config, error) {
	d, err := config.ParseDurationField("storage.timeout", cfg.Storage.Timeout)
	if err != nil {
		return tracker.Config{}, err
	}
	rt, err := config.ParseDurationField("dispatch.render_timeout", cfg.Dispatch.RenderTimeout)
	if err != nil {
		return tracker.Config{}, err
	}
	return tracker.Config{StoreTimeout: d, EnrichTimeout: rt}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: pt}, nil
}

func mapCommandTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("telegram.command_timeout", cfg.Telegram.CommandTimeout, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			Group:      strings.TrimSpace(lc.Chat.Group),
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	hc := cfg.HTTP
	out := httpserver.Config{
		Enabled:              hc.Enabled,
		Addr:                 strings.TrimSpace(hc.Addr),
		Token:                strings.TrimSpace(hc.Token),
		AllowInsecure:        hc.AllowInsecure,
		Pprof:                hc.Pprof,
		PprofPrefix:          hc.PprofPrefix,
		MutexProfileFraction: hc.MutexProfileFraction,
		BlockProfileRate:     hc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return httpserver.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpserver.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", hc.IdleTimeout); err != nil {
		return httpserver.Config{}, err
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	timeout, err := config.ParseDurationField("maintenance.timeout", mc.Timeout)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:    mc.Enabled,
		Timezone:   mc.Timezone,
		PruneDedup: mc.PruneDedup,
		Forget:     mc.Forget,
		Compact:    mc.Compact,
		Timeout:    timeout,
	}, nil
}
