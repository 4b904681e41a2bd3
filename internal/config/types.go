package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("250ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Flight    FlightConfig    `json:"flight"`
	Ops       OpsConfig       `json:"ops"`

	// Batch overrides or extends the built-in batch profiles by category.
	Batch map[string]BatchProfile `json:"batch,omitempty"`

	// Storage is optional; nil or driver "none" disables the audit store.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via GUARDBOT_TOKEN.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`

	// AlertChatID receives log alerts when logging.alert is enabled.
	AlertChatID   int64 `json:"alert_chat_id,omitempty"`
	AlertThreadID int   `json:"alert_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool    `json:"enabled"`
	MinLevel   string  `json:"min_level"`
	RatePerSec float64 `json:"rate_per_sec"`
}

// QueueConfig controls the outbound priority task queue.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 5
//   - max_retries: 3 (negative disables retries)
//   - settle_delay: "100ms" ("-1ms" or any negative disables it)
//   - rate_per_sec: 0 (no limiter)
//   - default_timeout: "0s" (disabled)
type QueueConfig struct {
	Concurrency    int     `json:"concurrency,omitempty"`
	MaxRetries     int     `json:"max_retries,omitempty"`
	SettleDelay    string  `json:"settle_delay,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
}

type BatchProfile struct {
	Size  int    `json:"size"`
	Delay string `json:"delay"`
}

type SchedulerConfig struct {
	// Timezone for cron expressions (IANA name). Empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// FlightConfig controls pending-interaction payloads and their locks.
//
// Defaults: payload_ttl "30m", lock_ttl "5m", cleanup_every "1m".
type FlightConfig struct {
	PayloadTTL   string `json:"payload_ttl,omitempty"`
	LockTTL      string `json:"lock_ttl,omitempty"`
	CleanupEvery string `json:"cleanup_every,omitempty"`
}

// StorageConfig controls the optional audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/guardbot.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
	// PruneSchedule is any scheduler spec; default "@daily".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// OpsConfig controls the local HTTP endpoint (health, stats, pprof).
//
// Prefer binding to localhost. A non-loopback address requires a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`
}
