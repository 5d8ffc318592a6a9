package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// refreshTimeout bounds a single issuance call made from a scheduler tick.
const refreshTimeout = 30 * time.Second

// SchedulerConfig holds scheduling settings.
type SchedulerConfig struct {
	DailySpec           string        // cron expression for the unconditional refresh
	Timezone            string        // zone the cron expression is evaluated in
	HealthCheckInterval time.Duration // how often invalid credentials are re-issued
}

// Scheduler drives the Manager: a best-effort refresh of everything at
// startup, an unconditional daily refresh at a fixed wall-clock time, and an
// hourly health check that re-issues only what is expired. Failures are
// logged and never crash a loop.
type Scheduler struct {
	cfg    SchedulerConfig
	mgr    *Manager
	logger *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a credential scheduler.
func NewScheduler(cfg SchedulerConfig, mgr *Manager, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger,
	}
}

// Start refreshes every credential once, then begins the timers.
func (s *Scheduler) Start(ctx context.Context) error {
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", s.cfg.Timezone, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	// Initial issuance. One credential failing must not block the rest.
	s.refreshAll("startup")

	s.cron = cron.New(cron.WithLocation(loc))
	if _, err := s.cron.AddFunc(s.cfg.DailySpec, func() {
		s.refreshAll("daily")
	}); err != nil {
		return fmt.Errorf("add daily refresh job: %w", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.healthLoop()

	s.logger.Info("credential scheduler started",
		"daily_spec", s.cfg.DailySpec,
		"timezone", s.cfg.Timezone,
		"health_check_interval", s.cfg.HealthCheckInterval,
	)
	return nil
}

// Stop halts the timers and waits for in-flight work.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("credential scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshAll unconditionally refreshes every credential.
func (s *Scheduler) refreshAll(reason string) {
	start := time.Now()
	failures := 0

	for _, key := range s.mgr.Keys() {
		ctx, cancel := context.WithTimeout(s.ctx, refreshTimeout)
		_, err := s.mgr.ForceRefresh(ctx, key)
		cancel()

		if err != nil {
			// Already logged by the manager; keep going.
			failures++
		}
	}

	s.logger.Info("credential refresh sweep complete",
		"reason", reason,
		"credentials", len(s.mgr.Keys()),
		"failures", failures,
		"duration", time.Since(start),
	)
}

// healthLoop re-issues only credentials found invalid.
func (s *Scheduler) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.healthCheck()
		}
	}
}

// healthCheck refreshes expired credentials and logs the rest.
func (s *Scheduler) healthCheck() {
	for _, key := range s.mgr.Keys() {
		if s.mgr.IsValid(key) {
			continue
		}

		s.logger.Warn("credential expired, re-issuing",
			"provider", key.Provider,
			"kind", key.Kind,
		)

		ctx, cancel := context.WithTimeout(s.ctx, refreshTimeout)
		_, err := s.mgr.Refresh(ctx, key)
		cancel()

		if err != nil {
			// Retried on the next tick; the last good credential stays served.
			continue
		}
	}
}
