// Package scheduler runs periodic background jobs on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a function to Job.
type Func struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.JobName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// Scheduler manages background jobs. Schedules use six fields
// (seconds first) or descriptors such as "@every 30s".
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration
}

// New creates a scheduler. Each job run gets a context derived from ctx
// bounded by timeout. A job still running when its next tick fires is
// skipped.
func New(ctx context.Context, timeout time.Duration) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:     ctx,
		timeout: timeout,
	}
}

// AddJob registers job on schedule.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.RunNow(job); err != nil {
			slog.Error("job failed", "job", job.Name(), "err", err)
		}
	})
	if err != nil {
		return err
	}
	slog.Info("job registered", "job", job.Name(), "schedule", schedule)
	return nil
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	slog.Debug("job finished", "job", job.Name(), "duration", time.Since(start), "ok", err == nil)
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop prevents new runs and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}
