// Package scheduler runs the vault's maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"

	"github.com/systmms/teamvault/internal/logging"
)

// DefaultSchedule runs maintenance daily at 03:00.
const DefaultSchedule = "0 3 * * *"

// ErrBusy is returned by RunOnce while another run is in flight.
var ErrBusy = errors.New("scheduler: run already in progress")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one named maintenance step.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler fires its jobs, in registration order, at every activation of
// a cron expression.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	clock    clock.Clock
	logger   *logging.Logger

	mu     sync.Mutex
	jobs   []Job
	cancel context.CancelFunc
	done   chan struct{}

	inflight sync.Mutex
}

// ParseSchedule validates a five-field cron expression or descriptor
// such as "@daily".
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s, nil
}

// New creates a scheduler for expr. An empty expr selects DefaultSchedule.
func New(expr string, clk clock.Clock, logger *logging.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{expr: expr, schedule: schedule, clock: clk, logger: logger}, nil
}

// Add registers a job. Jobs added after Start run from the next activation.
func (s *Scheduler) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Run: run})
}

// Expression returns the cron expression in use.
func (s *Scheduler) Expression() string {
	return s.expr
}

// Next returns the first activation after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("Scheduler started (%s)", s.expr)
	return nil
}

// Stop cancels the loop and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := s.clock.Now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			s.logger.Warn("Schedule %s has no future activations", s.expr)
			return
		}
		s.logger.Debug("Next maintenance run at %s", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
			if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrBusy) {
				s.logger.Error("Maintenance run finished with errors: %v", err)
			}
		}
	}
}

// RunOnce runs every job now. A failing job does not stop the ones after
// it; the failures are joined into the returned error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.inflight.TryLock() {
		return ErrBusy
	}
	defer s.inflight.Unlock()

	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := s.clock.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("Job %s failed: %v", job.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		s.logger.Debug("Job %s finished in %s", job.Name, s.clock.Now().Sub(start))
	}
	return errors.Join(errs...)
}
