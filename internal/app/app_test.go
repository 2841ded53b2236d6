package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatnotify/internal/batch"
	"chatnotify/internal/config"
	"chatnotify/internal/eventbus"
	"chatnotify/internal/sweep"
	logx "chatnotify/pkg/logx"
)

func TestMapSweepConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapSweepConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, sweep.DefaultWindow, got.Window)
	assert.Equal(t, sweep.DefaultStaleAge, got.StaleAge)
	assert.Equal(t, defaultPushTimeout, got.SendTimeout)

	_, err = mapSweepConfig(&config.Config{Batching: config.BatchingConfig{Window: "soon"}})
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "sqlite", in: config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, driver: "sqlite"},
		{name: "sqlite needs path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "postgres", in: config.StorageConfig{Driver: "pgx", DSN: "postgres://x"}, driver: "postgres"},
		{name: "unknown", in: config.StorageConfig{Driver: "mysql"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, got.Driver)
		})
	}
}

func TestSweepSpecDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, defaultSweepSpec, sweepSpec(&config.Config{}))
	assert.Equal(t, "@every 1m", sweepSpec(&config.Config{Scheduler: config.SchedulerConfig{Sweep: " @every 1m "}}))
}

func TestStatsObserve(t *testing.T) {
	t.Parallel()
	s := NewStats(logx.Nop())
	s.Observe(eventbus.Event{Type: eventbus.BatchCreated})
	s.Observe(eventbus.Event{Type: eventbus.BatchCreated})
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Observe(eventbus.Event{Type: eventbus.SweepDone, Time: at, Data: eventbus.SweepInfo{Selected: 4, Failed: 3}})

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Events[eventbus.BatchCreated])
	assert.Equal(t, uint64(1), snap.Events[eventbus.SweepDone])
	assert.Equal(t, 4, snap.LastSweep.Selected)
	assert.Equal(t, at, snap.LastAt)
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := `{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "notify.db")) + `"},
  "batching": {"window": "20ms", "stale_age": "1h"},
  "scheduler": {"enabled": false},
  "push": {"driver": "log"}
}`
	path := filepath.Join(dir, "notifyd.json")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	a, err := New(path)
	require.NoError(t, err)
	return a
}

func TestAppPipeline(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	msg := batch.Message{RecipientID: "bob", SenderID: "alice", SenderName: "Alice", ConversationID: "c1", Content: "hi"}
	out, err := a.acc.OnMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, batch.Created, out)
	out, err = a.acc.OnMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, batch.Accumulated, out)

	// Not yet matured.
	assert.Equal(t, 0, a.RunSweepOnce(ctx).Selected)

	time.Sleep(60 * time.Millisecond)
	info := a.RunSweepOnce(ctx)
	assert.Equal(t, 1, info.Selected)
	assert.Equal(t, 1, info.Delivered)
	assert.Equal(t, 0, a.RunSweepOnce(ctx).Selected)

	// Bob opens c1: new messages there are suppressed.
	require.NoError(t, a.tracker.SetActive(ctx, "bob", "c1"))
	out, err = a.acc.OnMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, batch.Suppressed, out)

	a.tracker.ClearActive(ctx, "bob")
	out, err = a.acc.OnMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, batch.Created, out)

	h := a.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 0, h.Sessions)
}

func TestAppStopWithoutStart(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, 0, a.RunSweepOnce(ctx).Selected)
	require.NoError(t, a.Stop(ctx, StopOneShot))
}
