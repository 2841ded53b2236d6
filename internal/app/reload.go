package app

import (
	"context"
	"strings"
	"time"

	"chatnotify/internal/config"
	logx "chatnotify/pkg/logx"
)

// reloadLoop applies published configs until ctx ends.
func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if pcfg, err := mapPresenceConfig(newCfg); err != nil {
		a.log.Warn("invalid presence config; keeping previous", logx.Any("err", err))
	} else {
		a.tracker.Apply(pcfg)
	}

	if swcfg, err := mapSweepConfig(newCfg); err != nil {
		a.log.Warn("invalid batching config; keeping previous", logx.Any("err", err))
	} else {
		a.proc.Apply(swcfg)
	}

	a.push.SetRate(newCfg.Push.RatePerSec)

	a.dailyLimit.Store(newCfg.Limits.DailyMessagesPerSender)
	if loc, err := config.LoadLocation("limits.timezone", newCfg.Limits.Timezone); err == nil {
		a.counter.SetLocation(loc)
	}

	a.applyScheduler(c, newCfg)

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(c context.Context, newCfg *config.Config) {
	scfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Any("err", err))
		return
	}
	if err := a.sched.Reschedule(sweepJob, sweepSpec(newCfg)); err != nil {
		a.log.Warn("invalid sweep schedule; keeping previous", logx.Any("err", err))
	}

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(scfg)
	switch {
	case wasEnabled && !scfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && scfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}
}
