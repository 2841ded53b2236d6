package config

// Config is the notifyd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1h").
// Sections marked live are re-applied on hot reload; the rest need a restart.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`   // live
	Storage   StorageConfig   `json:"storage"`   // restart
	Presence  PresenceConfig  `json:"presence"`  // live
	Batching  BatchingConfig  `json:"batching"`  // live
	Scheduler SchedulerConfig `json:"scheduler"` // live
	Push      PushConfig      `json:"push"`      // rate/timeout live, driver restart
	Limits    LimitsConfig    `json:"limits"`    // live
	HTTP      HTTPConfig      `json:"http"`      // restart
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the shared relational store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notify.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://notify@db/notify" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // overridden by NOTIFYD_STORAGE_DSN; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// PresenceConfig controls heartbeats.
//
// Defaults:
//   - heartbeat_interval: "20s"
//   - stale_after: "0s" (records stay active until cleared)
type PresenceConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	StaleAfter        string `json:"stale_after,omitempty"`
}

// BatchingConfig controls the debounce window and delivery sweep.
//
// Defaults:
//   - window: "5s"
//   - stale_age: "1h"
//   - preview_limit: 50
//   - concurrency: 4
type BatchingConfig struct {
	Window       string `json:"window,omitempty"`
	StaleAge     string `json:"stale_age,omitempty"`
	PreviewLimit int    `json:"preview_limit,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	MaxBatches   int    `json:"max_batches,omitempty"`
}

// SchedulerConfig controls the sweep trigger.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Sweep    string `json:"sweep,omitempty"` // default "@every 5s"
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type PushConfig struct {
	Driver     string         `json:"driver"` // "log" | "telegram"
	RatePerSec float64        `json:"rate_per_sec,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
	Telegram   TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token string           `json:"token,omitempty"` // overridden by NOTIFYD_TELEGRAM_TOKEN; never logged
	Chats map[string]int64 `json:"chats,omitempty"`
}

type LimitsConfig struct {
	// DailyMessagesPerSender caps ingested messages per sender per day. 0 = off.
	DailyMessagesPerSender int64  `json:"daily_messages_per_sender,omitempty"`
	Timezone               string `json:"timezone,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Pprof   bool   `json:"pprof,omitempty"`
}
