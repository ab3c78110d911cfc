package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs SubscriptionService.SweepExpired on a cron schedule. A run that
// is still going when the next tick fires causes that tick to be skipped.
type Sweeper struct {
	subs     ports.SubscriptionService
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
}

func NewSweeper(subs ports.SubscriptionService, spec string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{subs: subs, schedule: schedule, spec: spec, logger: logger}, nil
}

// Start sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("starting subscription sweeper", "schedule", s.spec)

	s.TriggerSweep(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.TriggerSweep(ctx) }))
	c.Start()

	<-ctx.Done()
	s.logger.Info("shutting down subscription sweeper")
	<-c.Stop().Done()
}

// TriggerSweep runs one sweep and logs its outcome.
func (s *Sweeper) TriggerSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.subs.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("scheduled sweep finished", "deactivated", n)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
