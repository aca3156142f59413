package reqguard

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/log"
	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic maintenance jobs off the request path. Jobs
// that overrun their interval are skipped, and panics are recovered and
// logged.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler(logger *log.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Every schedules fn at a constant interval. Intervals are rounded down to
// whole seconds with a one second minimum.
func (s *Scheduler) Every(interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("%w: schedule interval must be positive, got %s", ErrInvalidConfig, interval)
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels future runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the structured logger to cron's logging interface.
type cronLogger struct {
	logger *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	e := c.logger.Debug()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		e = e.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	e.Msg("scheduler: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	e := c.logger.Error().Err(err)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		e = e.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	e.Msg("scheduler: " + msg)
}
