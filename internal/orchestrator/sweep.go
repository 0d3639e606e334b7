package orchestrator

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"docflow/pkg/api"
)

// Sweeper runs the stale-lock sweep on a cron schedule. Pairing a periodic
// sweep with the opportunistic check on admission keeps the recovery bound
// tight even for uploads that are never retriggered.
type Sweeper struct {
	orch     api.Orchestrator
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. schedule uses cron syntax and accepts the
// "@every 30s" form; it defaults to every minute when empty. If logger is
// nil, slog.Default() is used.
func NewSweeper(orch api.Orchestrator, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		orch:     orch,
		cron:     cron.New(),
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx := context.Background()
		recovered, err := s.orch.SweepStaleLocks(ctx)
		if err != nil {
			s.logger.Error("stale_lock_sweep_failed", slog.Any("error", err))
			return
		}
		if recovered > 0 {
			s.logger.Info("stale_lock_sweep", slog.Int("recovered", recovered))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
