package services

import (
	"context"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SchedulerService periodically selects automations whose schedule has
// elapsed and drives their execution. Each due automation runs in its own
// goroutine; a failure inside one run never blocks the others.
type SchedulerService struct {
	store  *AutomationService
	runner *Runner
	cfg    config.SchedulerConfig
	parser cron.Parser
	logger *logrus.Logger
}

func NewSchedulerService(store *AutomationService, runner *Runner, cfg config.SchedulerConfig, logger *logrus.Logger) *SchedulerService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &SchedulerService{
		store:  store,
		runner: runner,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
	}
}

// DueAutomations returns the enabled automations whose interval has elapsed
// or whose cron expression has fired since their last run.
func (s *SchedulerService) DueAutomations(ctx context.Context, now time.Time) ([]models.Automation, error) {
	automations, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var due []models.Automation
	for _, a := range automations {
		if !a.Enabled {
			continue
		}
		if s.isDue(&a, now) {
			due = append(due, a)
		}
	}
	return due, nil
}

func (s *SchedulerService) isDue(a *models.Automation, now time.Time) bool {
	if a.CronExpr != "" {
		schedule, err := s.parser.Parse(a.CronExpr)
		if err != nil {
			s.logger.Warnf("scheduler: automation %s has invalid cron expression %q: %v", a.ID, a.CronExpr, err)
			return false
		}
		last := now.Add(-s.cfg.TickInterval)
		if a.LastRunAt != nil && a.LastRunAt.After(last) {
			last = *a.LastRunAt
		}
		next := schedule.Next(last)
		return !next.After(now)
	}

	if a.IntervalMinutes <= 0 {
		return false
	}
	if a.LastRunAt == nil {
		return true
	}
	return now.Sub(*a.LastRunAt) >= time.Duration(a.IntervalMinutes)*time.Minute
}

// Start runs the tick loop until the context is cancelled.
func (s *SchedulerService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled by config")
		return
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Infof("scheduler started, tick every %s", s.cfg.TickInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *SchedulerService) tick(ctx context.Context, now time.Time) {
	due, err := s.DueAutomations(ctx, now)
	if err != nil {
		s.logger.Errorf("scheduler: list due automations: %v", err)
		return
	}

	for _, automation := range due {
		a := automation
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Errorf("scheduler: automation %s panicked: %v", a.ID, rec)
				}
			}()
			s.logger.Infof("scheduler: running automation %s (%s)", a.Name, a.ID)
			s.runner.RunAutomation(ctx, &a)
		}()
	}
}
