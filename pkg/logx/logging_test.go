package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "sweep"))

	log.Debug("hidden")
	log.Info("sweep done", Int("selected", 3), Duration("took", 2*time.Second), Any("err", errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["comp"] != "sweep" || rec["message"] != "sweep done" || rec["selected"] != float64(3) {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["err"] != "boom" {
		t.Fatalf("err = %v, want boom", rec["err"])
	}
	if _, ok := rec["caller"]; !ok {
		t.Fatalf("caller missing: %v", rec)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.With(String("k", "v")).Error("nothing happens")
	Nop().Warn("nothing happens")
}

func TestServiceApplySwitchesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.log")
	svc, log := New(Config{Level: "warn", Console: true})
	defer svc.Close()

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after apply", String("user", "bob"))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"user":"bob"`) {
		t.Fatalf("file log missing record: %q", b)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"":      LevelInfo,
		"DEBUG": LevelDebug,
		"warn":  LevelWarn,
		"bogus": LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAnyLogsErrorMessage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf, "debug").Warn("failed", Any("err", errors.New("db down")))
	if !strings.Contains(buf.String(), `"err":"db down"`) {
		t.Fatalf("got %q", buf.String())
	}
}
