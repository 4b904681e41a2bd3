package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "guardbot/pkg/logx"
)

func New(cfg Config, q Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		q:   q,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*taskDef{},
		now:    time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c != nil && oldTZ != newTZ {
		s.restartCronLocked()
	}
}

// Start begins firing. Tasks added before Start are registered now; their
// interval grid is anchored at this moment.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.defs)))
}

// Stop halts firing and waits for running bodies until ctx expires; after
// that their context is cancelled. Definitions are kept for a later Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	waits := s.retired
	s.c = nil
	s.retired = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		waits = append(waits, c.Stop())
	}
	for _, w := range waits {
		select {
		case <-w.Done():
			continue
		case <-ctx.Done():
			s.log.Warn("stop timed out waiting for running tasks")
		}
		break
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// AddTask registers t, replacing any task with the same ID first so at most
// one timer per ID is ever live.
func (s *Service) AddTask(t Task) error {
	d, err := s.resolve(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[t.ID]; ok {
		s.unregisterLocked(old)
		s.log.Debug("task replaced", logx.String("task", t.ID))
	} else {
		s.order = append(s.order, t.ID)
	}
	s.defs[t.ID] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

// AddSchedule registers run under a schedule string (cron expression,
// "@every 5m", "5m" or "HH:MM" interval). Overlapping firings are skipped.
func (s *Service) AddSchedule(id, schedule string, run Func) error {
	return s.AddTask(Task{ID: id, Spec: schedule, Run: run, Overlap: OverlapSkipIfRunning})
}

// CancelTask removes the task and its timer. It reports whether id was
// registered; cancelling twice is harmless.
func (s *Service) CancelTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return false
	}
	s.unregisterLocked(d)
	delete(s.defs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Debug("task cancelled", logx.String("task", id))
	return true
}

// StopAll clears every timer but keeps the definitions for Restart.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		s.unregisterLocked(d)
	}
	s.log.Info("all timers cleared", logx.Int("tasks", len(s.defs)))
}

// Restart is StopAll followed by registering every task again. Interval
// grids are re-anchored and RunImmediately tasks run once more.
func (s *Service) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		s.unregisterLocked(d)
	}
	if s.c == nil {
		return
	}
	for _, id := range s.order {
		s.registerLocked(s.defs[id])
	}
	s.log.Info("tasks re-registered", logx.Int("tasks", len(s.defs)))
}

func (s *Service) resolve(t Task) (*taskDef, error) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return nil, errors.New("task id required")
	}
	if t.Run == nil {
		return nil, fmt.Errorf("task %q: run func required", t.ID)
	}
	d := &taskDef{Task: t, state: &runState{}}

	if strings.TrimSpace(t.Spec) == "" {
		if t.Interval <= 0 {
			return nil, fmt.Errorf("task %q: interval must be > 0", t.ID)
		}
		d.every = t.Interval
		return d, nil
	}

	ps, err := ParseSchedule(t.Spec)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.ID, err)
	}
	switch ps.Kind {
	case SpecInterval:
		d.every = ps.Every
	case SpecCron:
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return nil, fmt.Errorf("task %q: %w", t.ID, err)
		}
		d.cronExp = ps.Cron
	}
	return d, nil
}

// registerLocked arms the cron entry of d. Call with s.mu held and s.c set.
func (s *Service) registerLocked(d *taskDef) {
	now := s.now().In(s.loc)
	job := s.jobFor(d)

	var sched cron.Schedule
	if d.every > 0 {
		sched = anchoredSchedule{first: anchorFor(d.Task, d.every, now), every: d.every}
	} else {
		parsed, err := s.parser.Parse(d.cronExp)
		if err != nil {
			// Validated in resolve; a timezone change cannot make it fail.
			s.log.Error("schedule parse failed", logx.String("task", d.ID), logx.String("spec", d.cronExp), logx.Err(err))
			return
		}
		sched = parsed
	}
	d.entryID = s.c.Schedule(sched, job)

	futureStart := !d.StartAt.IsZero() && d.StartAt.After(now)
	if d.RunImmediately && !futureStart {
		go job.Run()
	}
	s.log.Debug("task registered",
		logx.String("task", d.ID),
		logx.String("schedule", d.describe()),
		logx.Time("next", sched.Next(now)),
		logx.Bool("run_immediately", d.RunImmediately && !futureStart),
		logx.String("overlap", d.Overlap.String()),
	)
}

func (s *Service) unregisterLocked(d *taskDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
	for _, id := range s.order {
		s.registerLocked(s.defs[id])
	}
	s.c.Start()
}

// restartCronLocked swaps in a cron for the new location. It never waits for
// the old cron's running bodies: they may block on the queue for as long as
// the platform is down, and every caller holds s.mu.
func (s *Service) restartCronLocked() {
	if s.c != nil {
		s.retired = append(s.retired, s.c.Stop())
	}
	s.startCronLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (d *taskDef) describe() string {
	if d.every > 0 {
		return "@every " + d.every.String()
	}
	return d.cronExp
}
