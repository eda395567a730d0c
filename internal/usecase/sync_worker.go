package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// SyncTask is one queued run. Exactly one of Sync or Diagnostic is set.
type SyncTask struct {
	Ctx        context.Context // Detached from any request context
	Sync       *RunRequest
	Diagnostic *DiagnosticRequest
	// Done, when set, receives the result on the worker goroutine.
	Done func(TaskResult)
}

// TaskResult is the outcome of a queued run.
type TaskResult struct {
	Summary *model.SyncRunSummary
	Report  *model.DiagnosticReport
	Err     error
}

func (t SyncTask) kind() string {
	if t.Diagnostic != nil {
		return string(model.SyncKindDiagnostic)
	}
	if t.Sync != nil {
		return string(t.Sync.Kind)
	}
	return "unknown"
}

func (t SyncTask) accountID() string {
	if t.Diagnostic != nil {
		return t.Diagnostic.AccountID
	}
	if t.Sync != nil {
		return t.Sync.AccountID
	}
	return ""
}

// ISyncWorker runs account tasks concurrently, one goroutine per task.
type ISyncWorker interface {
	SubmitTask(task SyncTask) error
	Stop()
}

// SyncWorker runs queued account runs on an ants pool. Each task is a sequential run; parallelism
// is only across accounts.
type SyncWorker struct {
	pool         *ants.PoolWithFunc
	orchestrator *Orchestrator
	comparator   *Comparator
	cfg          config.SyncWorkerPoolConfig
	baseLogger   *zap.Logger
	active       atomic.Int32
}

var _ ISyncWorker = (*SyncWorker)(nil)

// NewSyncWorker creates and initializes the sync worker pool.
func NewSyncWorker(cfg config.SyncWorkerPoolConfig, orchestrator *Orchestrator, comparator *Comparator, baseLogger *zap.Logger) (*SyncWorker, error) {
	worker := &SyncWorker{
		orchestrator: orchestrator,
		comparator:   comparator,
		cfg:          cfg,
		baseLogger:   baseLogger.Named("sync_worker"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		task, ok := i.(SyncTask)
		if !ok {
			worker.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		worker.processTask(task)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(p interface{}) {
			worker.baseLogger.Error("Panic recovered in sync worker", zap.Any("panic_error", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync worker pool: %w", err)
	}
	worker.pool = pool
	worker.baseLogger.Info("Sync worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return worker, nil
}

// SubmitTask queues a run. It blocks while the pool is saturated, up to the queue size.
func (w *SyncWorker) SubmitTask(task SyncTask) error {
	if task.Sync == nil && task.Diagnostic == nil {
		return fmt.Errorf("%w: task has neither sync nor diagnostic request", apperrors.ErrBadRequest)
	}
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}

	observer.SetSyncQueueLength(w.pool.Waiting())
	err := w.pool.Invoke(task)
	observer.IncSyncTasksSubmitted(task.kind(), err)
	if err != nil {
		w.baseLogger.Warn("Failed to submit sync task to pool",
			zap.String("account_id", task.accountID()),
			zap.String("kind", task.kind()),
			zap.Error(err),
		)
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("%w: sync pool overload: %w", apperrors.ErrRateLimited, err)
		}
		return fmt.Errorf("failed to invoke sync task: %w", err)
	}
	return nil
}

func (w *SyncWorker) processTask(task SyncTask) {
	observer.SetSyncWorkersActive(int(w.active.Add(1)))
	defer func() { observer.SetSyncWorkersActive(int(w.active.Add(-1))) }()

	log := logger.FromContextOr(task.Ctx, w.baseLogger).With(
		zap.String("task_account_id", task.accountID()),
		zap.String("task_kind", task.kind()),
	)
	start := time.Now()

	// A panicking run still reaches Done with an error.
	var res TaskResult
	res.Err = utils.WrapWithContextRecovery(func(ctx context.Context) error {
		var err error
		if task.Diagnostic != nil {
			res.Report, err = w.comparator.Compare(ctx, *task.Diagnostic)
		} else {
			res.Summary, err = w.orchestrator.RunSync(ctx, *task.Sync)
		}
		return err
	})(task.Ctx)

	switch {
	case apperrors.IsSyncInProgressError(res.Err):
		log.Info("Queued sync dropped, account already syncing")
	case res.Err != nil:
		log.Warn("Queued run failed", zap.Duration("duration", time.Since(start)), zap.Error(res.Err))
	default:
		log.Debug("Queued run finished", zap.Duration("duration", time.Since(start)))
	}

	if task.Done != nil {
		task.Done(res)
	}
}

// Stop releases the pool, waiting for running tasks up to the timeout.
func (w *SyncWorker) Stop() {
	if w.pool == nil {
		return
	}
	w.baseLogger.Info("Releasing sync worker pool")
	start := time.Now()
	if err := w.pool.ReleaseTimeout(30 * time.Second); err != nil {
		w.baseLogger.Warn("Sync worker pool release timed out", zap.Error(err))
	}
	w.baseLogger.Info("Sync worker pool released", zap.Duration("duration", time.Since(start)))
}
