package config

import (
	"reflect"
	"sort"
	"strings"

	logx "steamwatch/pkg/logx"
)

// ConfigChange summarizes a reload for logging. Fields never carry secrets.
type ConfigChange struct {
	// Sections lists every changed top-level section.
	Sections []string
	// RestartRequired lists changed sections that only take effect after a
	// restart (storage, transport tokens, steam key).
	RestartRequired []string
	Fields          []logx.Field
}

func (c ConfigChange) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch ConfigChange
	mark := func(section string, restart bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	o, n := oldCfg.Steam, newCfg.Steam
	keyChanged := o.APIKey != n.APIKey
	o.APIKey, n.APIKey = "", ""
	if keyChanged || !reflect.DeepEqual(o, n) {
		mark("steam", keyChanged || o.BaseURL != n.BaseURL,
			logx.Bool("steam.key_changed", keyChanged),
			logx.String("steam.min_interval", n.MinInterval),
			logx.Int("steam.retries", n.Retries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		s := newCfg.Schedule
		mark("schedule", false,
			logx.String("schedule.in_game", s.InGame),
			logx.Int("schedule.tiers", len(s.Tiers)),
			logx.String("schedule.idle", s.Idle),
			logx.Int("schedule.max_in_flight", s.MaxInFlight),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		mark("dispatch", false,
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
			logx.Int("dispatch.retry_max", d.RetryMax),
			logx.String("dispatch.dedup_window", d.DedupWindow),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", true,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout {
		mark("telegram", true,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	} else if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.CommandTimeout != nt.CommandTimeout {
		mark("telegram", false,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.command_timeout", nt.CommandTimeout),
		)
	}

	if oldCfg.Discord != newCfg.Discord {
		mark("discord", true,
			logx.Bool("discord.enabled", newCfg.Discord.Enabled),
			logx.Bool("discord.token_changed", oldCfg.Discord.Token != newCfg.Discord.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		mark("logging", false,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.chat_enabled", l.Chat.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if tokenChanged || oh != nh {
		mark("http", false,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		m := newCfg.Maintenance
		mark("maintenance", false,
			logx.Bool("maintenance.enabled", m.Enabled),
			logx.String("maintenance.prune_dedup", m.PruneDedup),
			logx.String("maintenance.forget", m.Forget),
			logx.String("maintenance.compact", m.Compact),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
