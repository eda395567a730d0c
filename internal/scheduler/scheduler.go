package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

const (
	jobAutoSync = "auto_sync"
	jobPurge    = "purge"

	purgeTimeout = 5 * time.Minute
)

// Jobs is the work the scheduler triggers. usecase.Engine satisfies it.
type Jobs interface {
	SubmitAutoSyncAll(ctx context.Context) (int, error)
	Purge(ctx context.Context) (int64, error)
}

// Scheduler runs periodic auto syncs and run-log retention on cron schedules with second precision.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	cfg     config.SyncConfig
	baseCtx context.Context
}

// New creates a scheduler. Jobs are not registered until Start.
func New(baseCtx context.Context, jobs Jobs, cfg config.SyncConfig) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		jobs:    jobs,
		cfg:     cfg,
		baseCtx: baseCtx,
	}
}

// Start registers the jobs and starts the cron loop. An empty spec disables that job.
func (s *Scheduler) Start() error {
	log := logger.FromContext(s.baseCtx)

	if s.cfg.AutoSyncCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.AutoSyncCron, func() { s.RunAutoSync(s.baseCtx) }); err != nil {
			return fmt.Errorf("invalid auto sync cron %q: %w", s.cfg.AutoSyncCron, err)
		}
		log.Info("Scheduled auto sync", zap.String("spec", s.cfg.AutoSyncCron))
	}
	if s.cfg.PurgeCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.PurgeCron, func() { s.RunPurge(s.baseCtx) }); err != nil {
			return fmt.Errorf("invalid purge cron %q: %w", s.cfg.PurgeCron, err)
		}
		log.Info("Scheduled run purge", zap.String("spec", s.cfg.PurgeCron), zap.Int("retention_days", s.cfg.RetentionDays))
	}

	s.cron.Start()
	log.Info("Scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.FromContext(s.baseCtx).Info("Scheduler stopped")
}

// Entries returns the registered cron entries.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// RunAutoSync queues an auto sync for every syncable account.
func (s *Scheduler) RunAutoSync(ctx context.Context) {
	log := logger.FromContext(ctx).With(zap.String("job", jobAutoSync))
	queued, err := s.jobs.SubmitAutoSyncAll(ctx)
	observer.IncScheduledJob(jobAutoSync, err)
	if err != nil {
		log.Error("Scheduled auto sync failed", zap.Error(err))
		return
	}
	log.Info("Scheduled auto sync queued", zap.Int("accounts", queued))
}

// RunPurge removes runs older than the retention period.
func (s *Scheduler) RunPurge(ctx context.Context) {
	log := logger.FromContext(ctx).With(zap.String("job", jobPurge))
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	removed, err := s.jobs.Purge(ctx)
	observer.IncScheduledJob(jobPurge, err)
	if err != nil {
		log.Error("Scheduled run purge failed", zap.Error(err))
		return
	}
	log.Info("Scheduled run purge finished", zap.Int64("removed", removed))
}

// cronLogger adapts the global zap logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
