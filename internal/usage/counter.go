package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"chatnotify/internal/storage"
	logx "chatnotify/pkg/logx"
)

// ErrLimitExceeded is returned by Gate.Allow once a subject used up its daily budget.
var ErrLimitExceeded = errors.New("usage: daily limit exceeded")

const dayLayout = "2006-01-02"

// Counter is a race-tolerant daily counter keyed by (subject, day).
//
// The first use of a day inserts a zero row and then increments it. A
// concurrent first use that loses the insert race sees storage.ErrConflict
// and falls through to the increment, so N concurrent callers end at N.
type Counter struct {
	store storage.UsageStore
	log   logx.Logger
	now   func() time.Time
	loc   atomic.Pointer[time.Location]
}

type Option func(*Counter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Counter) { c.now = now } }

// WithLocation sets the zone used to derive day keys. Default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(c *Counter) {
		if loc != nil {
			c.loc.Store(loc)
		}
	}
}

func New(store storage.UsageStore, log logx.Logger, opts ...Option) *Counter {
	c := &Counter{store: store, log: log, now: time.Now}
	c.loc.Store(time.UTC)
	for _, o := range opts {
		o(c)
	}
	return c
}

// DayKey formats t as the counter's day key in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

// Today returns the day key for the counter's clock and zone.
func (c *Counter) Today() string { return DayKey(c.now(), c.loc.Load()) }

// SetLocation switches the zone for subsequent day keys.
func (c *Counter) SetLocation(loc *time.Location) {
	if loc != nil {
		c.loc.Store(loc)
	}
}

// IncrementAndGet adds one to (subject, day) and returns the new count.
func (c *Counter) IncrementAndGet(ctx context.Context, subject, day string) (int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return 0, errors.New("usage: subject required")
	}
	if day == "" {
		day = c.Today()
	}
	now := c.now()

	_, ok, err := c.store.GetUsage(ctx, subject, day)
	if err != nil {
		return 0, fmt.Errorf("usage read: %w", err)
	}
	if !ok {
		err := c.store.InsertUsage(ctx, subject, day, now)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrConflict):
			c.log.Debug("usage row created concurrently", logx.String("subject", subject), logx.String("day", day))
		default:
			return 0, fmt.Errorf("usage create: %w", err)
		}
	}

	n, err := c.store.IncrementUsage(ctx, subject, day, now)
	if errors.Is(err, storage.ErrNotFound) {
		// Row vanished between create and increment (retention sweep). Retry once.
		if err := c.store.InsertUsage(ctx, subject, day, now); err != nil && !errors.Is(err, storage.ErrConflict) {
			return 0, fmt.Errorf("usage create: %w", err)
		}
		n, err = c.store.IncrementUsage(ctx, subject, day, now)
	}
	if err != nil {
		return 0, fmt.Errorf("usage increment: %w", err)
	}
	return n, nil
}

// Gate enforces a daily budget on top of a Counter.
type Gate struct {
	counter *Counter
}

func NewGate(c *Counter) *Gate { return &Gate{counter: c} }

// Allow charges one unit to subject for today and reports ErrLimitExceeded
// when the charged count goes past limit. The charge happens before the
// caller's operation; a crash in between undercounts in the user's favor.
// limit <= 0 disables the gate.
func (g *Gate) Allow(ctx context.Context, subject string, limit int64) (int64, error) {
	if g == nil || g.counter == nil || limit <= 0 {
		return 0, nil
	}
	n, err := g.counter.IncrementAndGet(ctx, subject, "")
	if err != nil {
		return 0, err
	}
	if n > limit {
		return n, ErrLimitExceeded
	}
	return n, nil
}
