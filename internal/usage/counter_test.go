package usage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatnotify/internal/storage"
	logx "chatnotify/pkg/logx"
)

func newCounter(t *testing.T, opts ...Option) (*Counter, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "usage.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop(), opts...), st
}

func TestIncrementAndGetSequential(t *testing.T) {
	t.Parallel()
	c, _ := newCounter(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementAndGet(ctx, "alice", "2024-05-01")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	got, err := c.IncrementAndGet(ctx, "alice", "2024-05-02")
	require.NoError(t, err)
	require.EqualValues(t, 1, got, "new day starts over")
}

func TestIncrementAndGetConcurrentFirstUse(t *testing.T) {
	t.Parallel()
	c, st := newCounter(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.IncrementAndGet(ctx, "bob", "2024-05-01")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, ok, err := st.GetUsage(ctx, "bob", "2024-05-01")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, n, got)
}

func TestIncrementRequiresSubject(t *testing.T) {
	t.Parallel()
	c, _ := newCounter(t)
	_, err := c.IncrementAndGet(context.Background(), "  ", "2024-05-01")
	require.Error(t, err)
}

func TestDayKeyUsesLocation(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	require.Equal(t, "2024-05-01", DayKey(ts, nil))

	jkt := time.FixedZone("WIB", 7*3600)
	require.Equal(t, "2024-05-02", DayKey(ts, jkt))

	c, _ := newCounter(t, WithClock(func() time.Time { return ts }), WithLocation(jkt))
	require.Equal(t, "2024-05-02", c.Today())
}

func TestGateAllow(t *testing.T) {
	t.Parallel()
	c, _ := newCounter(t)
	g := NewGate(c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Allow(ctx, "carol", 2)
		require.NoError(t, err)
	}
	n, err := g.Allow(ctx, "carol", 2)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.EqualValues(t, 3, n)

	// Disabled gate never charges.
	n, err = g.Allow(ctx, "dave", 0)
	require.NoError(t, err)
	require.Zero(t, n)
}
