package app

import (
	"fmt"
	"strings"
	"time"

	"chatnotify/internal/config"
	"chatnotify/internal/presence"
	"chatnotify/internal/push"
	"chatnotify/internal/scheduler"
	"chatnotify/internal/storage"
	"chatnotify/internal/sweep"
	logx "chatnotify/pkg/logx"
)

const (
	defaultSweepSpec   = "@every 5s"
	defaultPushTimeout = 10 * time.Second
	sweepJob           = "sweep"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPresenceConfig(cfg *config.Config) (presence.Config, error) {
	hb, err := config.ParseDurationOrDefault("presence.heartbeat_interval", cfg.Presence.HeartbeatInterval, presence.DefaultHeartbeatInterval)
	if err != nil {
		return presence.Config{}, err
	}
	stale, err := config.ParseDurationField("presence.stale_after", cfg.Presence.StaleAfter)
	if err != nil {
		return presence.Config{}, err
	}
	return presence.Config{HeartbeatInterval: hb, StaleAfter: stale}, nil
}

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	b := cfg.Batching
	window, err := config.ParseDurationOrDefault("batching.window", b.Window, sweep.DefaultWindow)
	if err != nil {
		return sweep.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("batching.stale_age", b.StaleAge, sweep.DefaultStaleAge)
	if err != nil {
		return sweep.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("push.timeout", cfg.Push.Timeout, defaultPushTimeout)
	if err != nil {
		return sweep.Config{}, err
	}
	return sweep.Config{
		Window:       window,
		StaleAge:     stale,
		PreviewLimit: b.PreviewLimit,
		Concurrency:  b.Concurrency,
		MaxBatches:   b.MaxBatches,
		SendTimeout:  sendTimeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.timeout", cfg.Scheduler.Timeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
		Timeout:  timeout,
	}, nil
}

func sweepSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Sweep); s != "" {
		return s
	}
	return defaultSweepSpec
}

// newDispatcher builds the transport for push.driver, wrapped in the rate limiter.
func newDispatcher(cfg *config.Config, log logx.Logger) (*push.Limited, error) {
	var next push.Dispatcher
	switch strings.ToLower(strings.TrimSpace(cfg.Push.Driver)) {
	case "", "log":
		next = push.NewLog(log)
	case "telegram":
		tg, err := push.NewTelegram(push.TelegramConfig{
			Token: cfg.Push.Telegram.Token,
			Chats: cfg.Push.Telegram.Chats,
		}, log)
		if err != nil {
			return nil, err
		}
		next = tg
	default:
		return nil, fmt.Errorf("unknown push.driver: %s", cfg.Push.Driver)
	}
	return push.NewLimited(next, cfg.Push.RatePerSec), nil
}
