package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chatnotify/pkg/logx"
)

// RestartSections lists sections whose changes only take effect on restart.
var RestartSections = map[string]bool{"storage": true, "http": true, "push.driver": true}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (DSN, tokens) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Presence != newCfg.Presence {
		changed = append(changed, "presence")
		attrs = append(attrs,
			logx.String("presence.heartbeat_interval", newCfg.Presence.HeartbeatInterval),
			logx.String("presence.stale_after", newCfg.Presence.StaleAfter),
		)
	}

	if oldCfg.Batching != newCfg.Batching {
		changed = append(changed, "batching")
		attrs = append(attrs,
			logx.String("batching.window", newCfg.Batching.Window),
			logx.String("batching.stale_age", newCfg.Batching.StaleAge),
			logx.Int("batching.concurrency", newCfg.Batching.Concurrency),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.sweep", newCfg.Scheduler.Sweep),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if strings.TrimSpace(oldCfg.Push.Driver) != strings.TrimSpace(newCfg.Push.Driver) ||
		oldCfg.Push.Telegram.Token != newCfg.Push.Telegram.Token ||
		!reflect.DeepEqual(oldCfg.Push.Telegram.Chats, newCfg.Push.Telegram.Chats) {
		changed = append(changed, "push.driver")
		attrs = append(attrs,
			logx.String("push.driver", newCfg.Push.Driver),
			logx.Bool("push.telegram.token_set", newCfg.Push.Telegram.Token != ""),
			logx.Int("push.telegram.chats", len(newCfg.Push.Telegram.Chats)),
		)
	}
	if oldCfg.Push.RatePerSec != newCfg.Push.RatePerSec || oldCfg.Push.Timeout != newCfg.Push.Timeout {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Float64("push.rate_per_sec", newCfg.Push.RatePerSec),
			logx.String("push.timeout", newCfg.Push.Timeout),
		)
	}

	if oldCfg.Limits != newCfg.Limits {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int64("limits.daily_messages_per_sender", newCfg.Limits.DailyMessagesPerSender),
			logx.String("limits.timezone", newCfg.Limits.Timezone),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
