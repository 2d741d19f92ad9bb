// Package scheduler fires registered jobs once a day at a configured
// wall-clock time and lets operators trigger them on demand. Time-of-day
// arithmetic uses the same fixed UTC offset as evaluation, so "08:00" means
// 08:00 in the business's local day, not the host's zone.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"expense-alerts/internal/alert/job"
	"expense-alerts/internal/common/logger"
)

// RunFunc executes one job run. Implementations are expected to do their own
// locking; the scheduler only decides when to call.
type RunFunc func(ctx context.Context) job.Outcome

// Status is a point-in-time snapshot of one registered job.
type Status struct {
	Name        string       `json:"name"`
	RunAt       string       `json:"runAt"`
	NextRun     string       `json:"nextRun"`
	Runs        int          `json:"runs"`
	LastRunAt   string       `json:"lastRunAt,omitempty"`
	LastOutcome *job.Outcome `json:"lastOutcome,omitempty"`
}

type entry struct {
	name        string
	run         RunFunc
	runs        int
	lastRunAt   time.Time
	lastOutcome *job.Outcome
}

// Scheduler owns the daily timer loop. It is an explicit value wired in
// main, not process-global state, so tests can build and tear one down per
// case.
type Scheduler struct {
	mu    sync.Mutex
	jobs  map[string]*entry
	order []string

	runAt string
	zone  *time.Location
	log   logger.Logger
	now   func() time.Time
	wg    sync.WaitGroup
}

// New builds a scheduler firing daily at runAt ("HH:MM") in the fixed
// offsetMinutes zone.
func New(runAt string, offsetMinutes int, log logger.Logger) *Scheduler {
	return &Scheduler{
		jobs:  make(map[string]*entry),
		runAt: runAt,
		zone:  time.FixedZone("alerts-local", offsetMinutes*60),
		log:   log.WithFields(map[string]interface{}{"component": "scheduler"}),
		now:   time.Now,
	}
}

// Register adds a named job. Registration order is the daily firing order.
func (s *Scheduler) Register(name string, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &entry{name: name, run: run}
	s.order = append(s.order, name)
	return nil
}

// Trigger runs one job immediately, outside the daily cycle. The job's own
// lease still applies, so a concurrent scheduled run stays safe.
func (s *Scheduler) Trigger(ctx context.Context, name string) (job.Outcome, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return job.Outcome{}, fmt.Errorf("unknown job %q", name)
	}
	return s.runEntry(ctx, e), nil
}

// Jobs returns a snapshot of every registered job in registration order.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.nextRun(s.now())
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		e := s.jobs[name]
		st := Status{
			Name:        e.name,
			RunAt:       s.runAt,
			NextRun:     next.Format(time.RFC3339),
			Runs:        e.runs,
			LastOutcome: e.lastOutcome,
		}
		if !e.lastRunAt.IsZero() {
			st.LastRunAt = e.lastRunAt.Format(time.RFC3339)
		}
		out = append(out, st)
	}
	return out
}

// Start launches the daily loop. It returns immediately; the loop stops when
// ctx is cancelled and Wait unblocks once it has drained.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Wait blocks until the loop started by Start has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next := s.nextRun(s.now())
		s.log.Info("next scheduled run", map[string]interface{}{
			"at": next.Format(time.RFC3339),
		})

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopping", map[string]interface{}{
				"reason": ctx.Err().Error(),
			})
			return
		case <-timer.C:
		}

		s.runAll(ctx)
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.order))
	for _, name := range s.order {
		entries = append(entries, s.jobs[name])
	}
	s.mu.Unlock()

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		s.runEntry(ctx, e)
	}
}

func (s *Scheduler) runEntry(ctx context.Context, e *entry) job.Outcome {
	s.log.Info("running job", map[string]interface{}{"job": e.name})
	outcome := e.run(ctx)

	s.mu.Lock()
	e.runs++
	e.lastRunAt = s.now()
	e.lastOutcome = &outcome
	s.mu.Unlock()

	s.log.Info("job finished", map[string]interface{}{
		"job":      e.name,
		"executed": outcome.Executed,
		"error":    outcome.Error,
	})
	return outcome
}

// nextRun computes the next HH:MM occurrence strictly after now, in the
// scheduler's fixed-offset zone. With no DST in a fixed zone, "tomorrow" is
// always exactly 24h of wall clock away.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	var hour, minute int
	fmt.Sscanf(s.runAt, "%d:%d", &hour, &minute)

	local := now.In(s.zone)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.zone)
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}
