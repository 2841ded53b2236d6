package sweep

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatnotify/internal/eventbus"
	"chatnotify/internal/push"
	"chatnotify/internal/storage"
	logx "chatnotify/pkg/logx"
)

const (
	DefaultWindow      = 5 * time.Second
	DefaultStaleAge    = time.Hour
	DefaultConcurrency = 4
)

type Config struct {
	Window       time.Duration
	StaleAge     time.Duration
	PreviewLimit int
	Concurrency  int
	// MaxBatches caps how many matured batches one sweep selects. 0 = store default.
	MaxBatches  int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.StaleAge <= 0 {
		c.StaleAge = DefaultStaleAge
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = DefaultPreviewLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Result is the outcome of one batch in one sweep.
type Result struct {
	BatchID      string `json:"batch_id"`
	RecipientID  string `json:"recipient_id"`
	MessageCount int    `json:"message_count"`
	Delivered    bool   `json:"delivered"`
	Evicted      bool   `json:"evicted,omitempty"`
	Err          error  `json:"-"`
}

// Processor delivers batches whose debounce window has elapsed.
//
// A sweep is stateless and safe to run concurrently with another sweep;
// overlapping sweeps may deliver the same batch twice.
type Processor struct {
	store storage.BatchStore
	push  push.Dispatcher
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func New(cfg Config, store storage.BatchStore, dispatcher push.Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Processor {
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &Processor{store: store, push: dispatcher, log: log, bus: bus, now: time.Now, cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Processor) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Sweep runs one pass with the configured window and stale age.
func (p *Processor) Sweep(ctx context.Context) []Result {
	cfg := p.config()
	return p.RunSweep(ctx, p.now(), cfg.Window, cfg.StaleAge)
}

// RunSweep delivers every batch idle for at least window as of now. A failed
// batch stays for the next sweep unless its first message is older than
// staleAge, in which case it is dropped. A delivered batch that grew while
// it was being sent is kept. Batches are independent: one failure never
// aborts the others.
func (p *Processor) RunSweep(ctx context.Context, now time.Time, window, staleAge time.Duration) []Result {
	start := time.Now()
	cfg := p.config()

	matured, err := p.store.ListMatured(ctx, now.Add(-window), cfg.MaxBatches)
	if err != nil {
		p.log.Error("list matured batches failed", logx.Any("err", err))
		return nil
	}
	if len(matured) == 0 {
		return nil
	}

	results := make([]Result, len(matured))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i := range matured {
		i := i
		g.Go(func() error {
			results[i] = p.process(ctx, matured[i], now, staleAge, cfg)
			return nil
		})
	}
	_ = g.Wait()

	info := Summarize(results)
	info.Took = time.Since(start)
	p.bus.Publish(eventbus.Event{Type: eventbus.SweepDone, Data: info})
	p.log.Debug("sweep done",
		logx.Int("selected", info.Selected),
		logx.Int("delivered", info.Delivered),
		logx.Int("failed", info.Failed),
		logx.Int("evicted", info.Evicted),
		logx.Duration("took", info.Took))
	return results
}

func (p *Processor) process(ctx context.Context, b storage.PendingBatch, now time.Time, staleAge time.Duration, cfg Config) Result {
	res := Result{BatchID: b.ID, RecipientID: b.RecipientID, MessageCount: b.MessageCount}
	info := eventbus.BatchInfo{
		BatchID:        b.ID,
		RecipientID:    b.RecipientID,
		SenderID:       b.SenderID,
		ConversationID: b.ConversationID,
		MessageCount:   b.MessageCount,
	}
	log := p.log.With(logx.String("batch", b.ID), logx.String("recipient", b.RecipientID))

	sendCtx := ctx
	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}

	if err := p.push.Send(sendCtx, Format(b, cfg.PreviewLimit)); err != nil {
		res.Err = err
		info.Err = err.Error()
		log.Warn("push failed", logx.Int("count", b.MessageCount), logx.Any("err", err))
		p.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: info})

		// Never evict on a cancelled sweep.
		if ctx.Err() == nil && now.Sub(b.FirstMessageAt) > staleAge {
			if _, derr := p.store.DeleteBatch(ctx, b.ID, b.MessageCount); derr != nil {
				log.Error("evict stale batch failed", logx.Any("err", derr))
				return res
			}
			res.Evicted = true
			log.Warn("stale batch evicted", logx.Duration("age", now.Sub(b.FirstMessageAt)))
			p.bus.Publish(eventbus.Event{Type: eventbus.BatchEvicted, Data: info})
		}
		return res
	}

	res.Delivered = true
	p.bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: info})
	// A failed delete means the next sweep delivers again; delivery is at-least-once.
	deleted, err := p.store.DeleteBatch(ctx, b.ID, b.MessageCount)
	switch {
	case err != nil:
		res.Err = err
		log.Error("delete delivered batch failed", logx.Any("err", err))
	case !deleted:
		// Messages arrived during the send. The batch stays for the next
		// window and its notification covers them.
		log.Debug("batch grew during delivery; kept", logx.Int("sent_count", b.MessageCount))
	}
	return res
}

// Summarize counts a sweep's results.
func Summarize(results []Result) eventbus.SweepInfo {
	info := eventbus.SweepInfo{Selected: len(results)}
	for _, r := range results {
		if r.Delivered {
			info.Delivered++
		} else {
			info.Failed++
		}
		if r.Evicted {
			info.Evicted++
		}
	}
	return info
}
