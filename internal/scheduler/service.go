package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "chatnotify/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	// Timeout bounds each run when the job has none of its own.
	Timeout time.Duration
}

// Job is a named periodic task. A run that is still in flight when the
// next tick fires makes that tick a no-op.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type JobInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev"`
	Runs      uint64    `json:"runs"`
	Skipped   uint64    `json:"skipped"`
	Failures  uint64    `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

type job struct {
	def     Job
	spec    string // normalized cron spec
	entryID cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	jobs   []*job
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Register adds j. Registering a name again replaces the earlier job.
func (s *Service) Register(j Job) error {
	if strings.TrimSpace(j.Name) == "" || j.Run == nil {
		return errors.New("scheduler: job name and run func are required")
	}
	p, err := ParseSchedule(j.Spec)
	if err != nil {
		return err
	}
	spec := p.CronSpec()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", j.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(j.Name)
	jb := &job{def: j, spec: spec}
	s.jobs = append(s.jobs, jb)
	if s.c != nil {
		return s.addCronLocked(jb)
	}
	return nil
}

// Reschedule changes the spec of a registered job.
func (s *Service) Reschedule(name, spec string) error {
	s.mu.Lock()
	var def Job
	found := false
	for _, jb := range s.jobs {
		if jb.def.Name == name {
			def, found = jb.def, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	if def.Spec == spec {
		return nil
	}
	def.Spec = spec
	return s.Register(def)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering registered jobs. Runs use ctx as their parent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.ctx = ctx
	s.restartLocked()
}

// Stop stops triggering and waits for in-flight runs or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out with runs in flight")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, jb := range s.jobs {
		info := JobInfo{
			Name:     jb.def.Name,
			Spec:     jb.spec,
			Runs:     jb.runs.Load(),
			Skipped:  jb.skipped.Load(),
			Failures: jb.failures.Load(),
		}
		if v, ok := jb.lastErr.Load().(string); ok {
			info.LastError = v
		}
		if s.c != nil && jb.entryID != 0 {
			e := s.c.Entry(jb.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	return snap
}

func (s *Service) addCronLocked(jb *job) error {
	id, err := s.c.AddFunc(jb.spec, func() { s.trigger(jb) })
	if err != nil {
		return err
	}
	jb.entryID = id
	return nil
}

func (s *Service) removeLocked(name string) {
	for i, jb := range s.jobs {
		if jb.def.Name != name {
			continue
		}
		if s.c != nil && jb.entryID != 0 {
			s.c.Remove(jb.entryID)
		}
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		return
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Not waited on: in-flight runs take s.mu in trigger. Stop joins them via wg.
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, jb := range s.jobs {
		if err := s.addCronLocked(jb); err != nil {
			s.log.Warn("schedule rejected", logx.String("job", jb.def.Name), logx.Any("err", err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) trigger(jb *job) {
	if !jb.running.CompareAndSwap(false, true) {
		jb.skipped.Add(1)
		s.log.Debug("previous run still in flight; tick skipped", logx.String("job", jb.def.Name))
		return
	}
	s.mu.Lock()
	parent := s.ctx
	timeout := jb.def.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer jb.running.Store(false)

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	jb.runs.Add(1)
	if err := jb.def.Run(ctx); err != nil {
		jb.failures.Add(1)
		jb.lastErr.Store(err.Error())
		s.log.Warn("job failed", logx.String("job", jb.def.Name), logx.Any("err", err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}
