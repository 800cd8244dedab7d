package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("90s", "5m"). Secrets may be left empty and supplied through the
// environment (see ApplyEnv).
type Config struct {
	Steam       SteamConfig       `json:"steam"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Storage     StorageConfig     `json:"storage"`
	Telegram    TelegramConfig    `json:"telegram"`
	Discord     DiscordConfig     `json:"discord"`
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type SteamConfig struct {
	APIKey  string `json:"api_key,omitempty"` // do not log
	BaseURL string `json:"base_url,omitempty"`

	MinInterval      string `json:"min_interval,omitempty"`
	RequestTimeout   string `json:"request_timeout,omitempty"`
	Retries          int    `json:"retries,omitempty"`
	RetryBackoff     string `json:"retry_backoff,omitempty"`
	RateLimitBackoff string `json:"rate_limit_backoff,omitempty"`

	// Languages are tried in order for achievement names.
	Languages  []string `json:"languages,omitempty"`
	DetailsTTL string   `json:"details_ttl,omitempty"`
	DetailsMax int      `json:"details_max,omitempty"`

	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerTimeout  string `json:"breaker_timeout,omitempty"`
}

// ScheduleConfig is the adaptive interval table plus pool limits.
//
// A tier applies while the time since the identity was last seen is at most
// "within"; "idle" applies past the last tier.
type ScheduleConfig struct {
	InGame  string       `json:"in_game,omitempty"`
	Tiers   []TierConfig `json:"tiers,omitempty"`
	Idle    string       `json:"idle,omitempty"`
	Failure string       `json:"failure,omitempty"`

	MaxInFlight   int    `json:"max_in_flight,omitempty"`
	PollTimeout   string `json:"poll_timeout,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

type TierConfig struct {
	Within   string `json:"within"`
	Interval string `json:"interval"`
}

type DispatchConfig struct {
	Lanes         int    `json:"lanes,omitempty"`
	LaneQueue     int    `json:"lane_queue,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RenderTimeout string `json:"render_timeout,omitempty"`

	// DedupWindow "0s" keeps the default; "-1s" disables suppression.
	DedupWindow       string `json:"dedup_window,omitempty"`
	DedupMaxEntries   int    `json:"dedup_max_entries,omitempty"`
	FingerprintBucket string `json:"fingerprint_bucket,omitempty"`
	PersistDedup      *bool  `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the State Store driver: "memory", "file" or "sqlite".
//
//	"storage": { "driver": "sqlite", "path": "./steamwatch.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"` // do not log
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	// CommandTimeout bounds one admin command.
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards WARN+ lines into an admin group such as
// "telegram:-100123:7".
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Group      string `json:"group,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls /metrics, /healthz and pprof.
//
// Prefer a loopback addr; a non-loopback addr needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// MaintenanceConfig holds cron specs; an empty spec disables that job.
type MaintenanceConfig struct {
	Enabled    bool   `json:"enabled"`
	Timezone   string `json:"timezone,omitempty"`
	PruneDedup string `json:"prune_dedup,omitempty"`
	Forget     string `json:"forget,omitempty"`
	Compact    string `json:"compact,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}
