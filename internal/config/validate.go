package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	EnvStorageDSN    = "NOTIFYD_STORAGE_DSN"
	EnvTelegramToken = "NOTIFYD_TELEGRAM_TOKEN"
)

// ApplyEnv overlays secrets from the environment.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Push.Telegram.Token = v
	}
}

// Validate checks field syntax and cross-field requirements. It does not
// touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			check(fmt.Errorf("storage.dsn (or %s) is required for postgres", EnvStorageDSN))
		}
	default:
		check(fmt.Errorf("storage.driver %q: want sqlite or postgres", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	check(err)

	_, err = ParseDurationField("presence.heartbeat_interval", cfg.Presence.HeartbeatInterval)
	check(err)
	_, err = ParseDurationField("presence.stale_after", cfg.Presence.StaleAfter)
	check(err)

	_, err = ParseDurationField("batching.window", cfg.Batching.Window)
	check(err)
	_, err = ParseDurationField("batching.stale_age", cfg.Batching.StaleAge)
	check(err)
	if cfg.Batching.PreviewLimit < 0 || cfg.Batching.Concurrency < 0 || cfg.Batching.MaxBatches < 0 {
		check(errors.New("batching: preview_limit, concurrency and max_batches must be >= 0"))
	}

	_, err = ParseDurationField("scheduler.timeout", cfg.Scheduler.Timeout)
	check(err)
	_, err = LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	check(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Push.Driver)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Push.Telegram.Token) == "" {
			check(fmt.Errorf("push.telegram.token (or %s) is required for the telegram driver", EnvTelegramToken))
		}
	default:
		check(fmt.Errorf("push.driver %q: want log or telegram", cfg.Push.Driver))
	}
	if cfg.Push.RatePerSec < 0 {
		check(errors.New("push.rate_per_sec must be >= 0"))
	}
	_, err = ParseDurationField("push.timeout", cfg.Push.Timeout)
	check(err)

	if cfg.Limits.DailyMessagesPerSender < 0 {
		check(errors.New("limits.daily_messages_per_sender must be >= 0"))
	}
	_, err = LoadLocation("limits.timezone", cfg.Limits.Timezone)
	check(err)

	return errors.Join(errs...)
}
