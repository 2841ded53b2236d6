package app

import (
	"context"
	"sync"
	"time"

	"chatnotify/internal/eventbus"
	logx "chatnotify/pkg/logx"
)

// failureRatioWarn is the share of failed batches in one sweep above which
// the sweep is logged as a warning.
const failureRatioWarn = 0.5

// Stats folds pipeline events into counters for /healthz.
type Stats struct {
	log     logx.Logger
	started time.Time

	mu        sync.Mutex
	counts    map[string]uint64
	lastSweep eventbus.SweepInfo
	lastAt    time.Time
}

type StatsSnapshot struct {
	Status    string             `json:"status"`
	Uptime    string             `json:"uptime"`
	Events    map[string]uint64  `json:"events"`
	LastSweep eventbus.SweepInfo `json:"last_sweep"`
	LastAt    time.Time          `json:"last_sweep_at,omitempty"`
	Sessions  int                `json:"presence_sessions"`
	Dropped   uint64             `json:"events_dropped"`
	Scheduler any                `json:"scheduler,omitempty"`
	Workers   any                `json:"workers,omitempty"`
}

func NewStats(log logx.Logger) *Stats {
	return &Stats{log: log, started: time.Now(), counts: map[string]uint64{}}
}

// Observe records one event.
func (s *Stats) Observe(e eventbus.Event) {
	s.mu.Lock()
	s.counts[e.Type]++
	info, isSweep := e.Data.(eventbus.SweepInfo)
	if isSweep {
		s.lastSweep = info
		s.lastAt = e.Time
	}
	s.mu.Unlock()

	if isSweep && info.FailureRatio() > failureRatioWarn {
		s.log.Warn("sweep mostly failed",
			logx.Int("selected", info.Selected),
			logx.Int("failed", info.Failed),
			logx.Float64("ratio", info.FailureRatio()))
	}
}

// Run consumes events until ctx ends or the channel closes.
func (s *Stats) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			s.Observe(e)
			s.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	return StatsSnapshot{
		Status:    "ok",
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Events:    counts,
		LastSweep: s.lastSweep,
		LastAt:    s.lastAt,
	}
}
