package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/notify.db
presence:
  heartbeat_interval: 20s
batching:
  window: 5s
  stale_age: 1h
  preview_limit: 50
scheduler:
  enabled: true
  sweep: "@every 5s"
push:
  driver: telegram
  rate_per_sec: 5
  telegram:
    chats:
      alice: 42
limits:
  daily_messages_per_sender: 500
http:
  enabled: true
  addr: 127.0.0.1:8080
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv(EnvTelegramToken, "123:abc")
	m := NewManager(writeFile(t, "notify.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Push.Telegram.Token != "123:abc" {
		t.Fatalf("token not taken from env")
	}
	if cfg.Push.Telegram.Chats["alice"] != 42 {
		t.Fatalf("chats = %v", cfg.Push.Telegram.Chats)
	}
	if cfg.Limits.DailyMessagesPerSender != 500 || !cfg.Scheduler.Enabled || cfg.Scheduler.Sweep != "@every 5s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "notify.json", `{"storage":{"driver":"sqlite","path":"x.db"},"bogus":1}`))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Parse err = %v, want unknown field", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "notify.json", `{"storage":{"driver":"sqlite","path":"x.db"}} {}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Storage: StorageConfig{Driver: "sqlite", Path: "x.db"}}
	}
	tests := []struct {
		name    string
		edit    func(*Config)
		wantErr string
	}{
		{name: "minimal ok", edit: func(*Config) {}},
		{name: "bad driver", edit: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "storage.driver"},
		{name: "postgres needs dsn", edit: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "bad window", edit: func(c *Config) { c.Batching.Window = "soon" }, wantErr: "batching.window"},
		{name: "negative stale", edit: func(c *Config) { c.Batching.StaleAge = "-1h" }, wantErr: "batching.stale_age"},
		{name: "telegram needs token", edit: func(c *Config) { c.Push.Driver = "telegram" }, wantErr: "push.telegram.token"},
		{name: "bad push driver", edit: func(c *Config) { c.Push.Driver = "apns" }, wantErr: "push.driver"},
		{name: "bad tz", edit: func(c *Config) { c.Limits.Timezone = "Mars/Olympus" }, wantErr: "limits.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.edit(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatal("expected negative duration error")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Push: PushConfig{Driver: "telegram", Telegram: TelegramConfig{Token: "secret-1"}}}
	newCfg := &Config{
		Push:     PushConfig{Driver: "telegram", RatePerSec: 2, Telegram: TelegramConfig{Token: "secret-2"}},
		Batching: BatchingConfig{Window: "10s"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"batching", "push", "push.driver"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "notify.json", `{"storage":{"driver":"sqlite","path":"x.db"},"batching":{"window":"5s"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register, then rewrite until observed.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Batching.Window != "9s" {
				t.Fatalf("window = %q", cfg.Batching.Window)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte(`{"storage":{"driver":"sqlite","path":"x.db"},"batching":{"window":"9s"}}`), 0o600)
		case <-deadline:
			t.Fatal("reload was not published")
		}
	}
}
