package autopilot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"guardian/internal/metrics"
)

const (
	defaultInterval = 60 * time.Second
	minInterval     = 5 * time.Second
)

// Scheduler drives the pipeline on a fixed interval or a cron expression.
// Ticks that land while a cycle is still running are skipped.
type Scheduler struct {
	Pipeline *Pipeline
	Interval time.Duration
	Cron     string
	Parser   *cron.Parser
	Now      func() time.Time
}

func (s *Scheduler) interval() time.Duration {
	d := s.Interval
	if d <= 0 {
		d = defaultInterval
	}
	if d < minInterval {
		d = minInterval
	}
	return d
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Pipeline == nil {
		return errors.New("pipeline required")
	}
	if expr := strings.TrimSpace(s.Cron); expr != "" {
		return s.runCron(ctx, expr)
	}
	return s.runInterval(ctx)
}

func (s *Scheduler) runInterval(ctx context.Context) error {
	interval := s.interval()
	s.Pipeline.logger().Info("scheduler started", "interval", interval.String())
	s.tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context, expr string) error {
	parser := s.Parser
	if parser == nil {
		p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		parser = &p
	}
	spec, err := parser.Parse(expr)
	if err != nil {
		return err
	}
	s.Pipeline.logger().Info("scheduler started", "cron", expr)
	for {
		next := spec.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.Pipeline.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInFlight):
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		s.Pipeline.logger().Warn("cycle still in flight, tick skipped")
	case ctx.Err() != nil:
	default:
		s.Pipeline.logger().Error("cycle failed", "error", err)
	}
}
