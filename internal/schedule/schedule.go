// Package schedule runs the gateway's periodic jobs: daily check-ins,
// primary health probes, challenge pre-refreshes, and age-based browser
// restarts.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config holds the schedules. Intervals use cron's @every syntax under the
// hood; CheckinSpec is a full cron expression.
type Config struct {
	// CheckinSpec fires the daily check-in run. The default spreads four
	// runs across the day to survive a missed one.
	CheckinSpec string
	// ProbeInterval drives primary health probes while on a backup.
	ProbeInterval time.Duration
	// PreRefreshInterval drives the challenge pre-refresh sweep.
	PreRefreshInterval time.Duration
	// SessionSweepInterval checks the browser session's age.
	SessionSweepInterval time.Duration
	// BalanceInterval drives balance collection.
	BalanceInterval time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckinSpec:          "30 2,8,14,20 * * *",
		ProbeInterval:        5 * time.Minute,
		PreRefreshInterval:   1 * time.Minute,
		SessionSweepInterval: 10 * time.Minute,
		BalanceInterval:      1 * time.Hour,
	}
}

// Jobs are the callbacks the scheduler drives. Nil members are skipped.
type Jobs struct {
	Checkin        func(ctx context.Context)
	ProbePrimary   func(ctx context.Context)
	PreRefresh     func(ctx context.Context)
	SessionSweep   func(ctx context.Context)
	CollectBalance func(ctx context.Context)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg    Config
	jobs   Jobs
	logger *zap.Logger

	cron       *cron.Cron
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// New builds the scheduler.
func New(cfg Config, jobs Jobs, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.CheckinSpec == "" {
		cfg.CheckinSpec = def.CheckinSpec
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.PreRefreshInterval <= 0 {
		cfg.PreRefreshInterval = def.PreRefreshInterval
	}
	if cfg.SessionSweepInterval <= 0 {
		cfg.SessionSweepInterval = def.SessionSweepInterval
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = def.BalanceInterval
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		jobs:       jobs,
		logger:     logger,
		cron:       cron.New(),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	entries := []struct {
		name string
		spec string
		job  func(ctx context.Context)
	}{
		{"checkin", s.cfg.CheckinSpec, s.jobs.Checkin},
		{"probe_primary", every(s.cfg.ProbeInterval), s.jobs.ProbePrimary},
		{"pre_refresh", every(s.cfg.PreRefreshInterval), s.jobs.PreRefresh},
		{"session_sweep", every(s.cfg.SessionSweepInterval), s.jobs.SessionSweep},
		{"collect_balance", every(s.cfg.BalanceInterval), s.jobs.CollectBalance},
	}
	for _, e := range entries {
		if e.job == nil {
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, s.wrap(e.name, e.job)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", e.name, e.spec, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// wrap guards a job against panics and gives it the scheduler's lifetime
// context so Stop cancels in-flight runs.
func (s *Scheduler) wrap(name string, job func(ctx context.Context)) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled job panicked",
					zap.String("job", name), zap.Any("panic", r))
			}
		}()
		if s.lifeCtx.Err() != nil {
			return
		}
		start := time.Now()
		job(s.lifeCtx)
		s.logger.Debug("scheduled job finished",
			zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	}
}

// Stop cancels running jobs and waits for the cron runner to drain.
func (s *Scheduler) Stop() {
	s.lifeCancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
