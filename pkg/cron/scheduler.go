// Package cron runs background jobs on cron expressions.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

var ErrInvalidSchedule = errors.New("invalid cron expression")

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs a single job at every tick of its expression. Ticks that
// arrive while the job is still running are skipped.
type Scheduler struct {
	name string
	expr string
	job  Job
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) bool

	runs     atomic.Uint64
	failures atomic.Uint64
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWait replaces the sleep between ticks. It must return false once ctx
// is done.
func WithWait(wait func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Scheduler) {
		if wait != nil {
			s.wait = wait
		}
	}
}

func NewScheduler(name, expr string, job Job, opts ...Option) (*Scheduler, error) {
	expr = strings.TrimSpace(expr)
	gron := gronx.New()
	if expr == "" || !gron.IsValid(expr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
	if job == nil {
		return nil, fmt.Errorf("cron job %s: job func is required", name)
	}
	s := &Scheduler{
		name: name,
		expr: expr,
		job:  job,
		now:  time.Now,
		wait: sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.InfoCF("cron", "Scheduler started", map[string]interface{}{
		"job":      s.name,
		"schedule": s.expr,
	})
	for {
		now := s.now()
		next, err := s.Next(now)
		if err != nil {
			return fmt.Errorf("cron job %s: next tick: %w", s.name, err)
		}
		if !s.wait(ctx, next.Sub(now)) {
			return nil
		}
		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	s.runs.Add(1)
	err := s.job(ctx)
	fields := map[string]interface{}{
		"job":         s.name,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.failures.Add(1)
		fields["error"] = err.Error()
		logger.ErrorCF("cron", "Scheduled job failed", fields)
		return
	}
	logger.DebugCF("cron", "Scheduled job completed", fields)
}

func (s *Scheduler) Runs() uint64     { return s.runs.Load() }
func (s *Scheduler) Failures() uint64 { return s.failures.Load() }
func (s *Scheduler) Schedule() string { return s.expr }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
