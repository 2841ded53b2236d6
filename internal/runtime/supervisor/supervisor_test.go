package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "chatnotify/pkg/logx"
)

func TestGoRestartRecoversPanics(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		default:
			close(done)
			return nil
		}
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop was not restarted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	c := s.Counters()
	if c.Panics != 1 || c.Restarts != 2 {
		t.Fatalf("counters = %+v, want 1 panic and 2 restarts", c)
	}
	if c.Active != 0 {
		t.Fatalf("active = %d after stop", c.Active)
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	s.Go("bad", func(ctx context.Context) error { return errors.New("first") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "bad: first" {
		t.Fatalf("Wait err = %v", err)
	}
}
