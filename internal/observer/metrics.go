package observer

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
)

var (
	metricsEnabled = true // Flag to control metric collection

	syncRunLabels    = []string{"kind", "status"}
	syncRecordLabels = []string{"kind", "outcome", "reason"}

	// SyncRunsTotal counts completed runs by kind and terminal status.
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_runs_total",
			Help: "Total number of sync and diagnostic runs, labeled by kind and terminal status.",
		},
		syncRunLabels,
	)

	// SyncRunDurationSeconds observes wall-clock duration of runs.
	SyncRunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "call_sync_run_duration_seconds",
			Help:    "Histogram of sync run durations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		syncRunLabels,
	)

	// SyncRecordsTotal counts processed records by outcome (saved, skipped, error) and reason.
	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_records_total",
			Help: "Total number of provider records processed, labeled by outcome and skip reason.",
		},
		syncRecordLabels,
	)

	// SyncRunsRejectedTotal counts runs not started because the account lock was held.
	SyncRunsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_runs_rejected_total",
			Help: "Total number of run requests rejected, labeled by reason.",
		},
		[]string{"reason"},
	)

	// ProviderPageDurationSeconds observes each provider page request.
	ProviderPageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "call_sync_provider_page_duration_seconds",
			Help:    "Histogram of provider page fetch durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"status"},
	)

	// ProviderTokenRefreshTotal counts refresh-token exchanges by result.
	ProviderTokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_provider_token_refresh_total",
			Help: "Total number of provider token refresh attempts, labeled by result.",
		},
		[]string{"result"},
	)

	// DatabaseOperationDurationSeconds observes repository calls.
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "call_sync_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "entity", "status"},
	)

	syncTasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_tasks_submitted_total",
			Help: "Total number of tasks submitted to the sync worker pool.",
		},
		[]string{"kind", "result"},
	)
	syncQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_sync_queue_length",
		Help: "Number of submitters blocked waiting for a sync worker.",
	})
	syncWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_sync_workers_active",
		Help: "Number of running sync worker goroutines.",
	})

	// TriggerMessagesTotal counts trigger messages by subject and the ack decision taken.
	TriggerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_trigger_messages_total",
			Help: "Total number of trigger messages handled, labeled by subject, action and error type.",
		},
		[]string{"subject", "action", "error_type"},
	)

	// TriggerProcessingDurationSeconds observes trigger message handling.
	TriggerProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "call_sync_trigger_processing_duration_seconds",
			Help:    "Histogram of trigger message handling durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_events_published_total",
			Help: "Total number of run events published, labeled by event and result.",
		},
		[]string{"event", "result"},
	)

	scheduledJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_scheduled_jobs_total",
			Help: "Total number of scheduled job executions, labeled by job and result.",
		},
		[]string{"job", "result"},
	)

	// Load generator metrics, used by cmd/tester.
	loadgenTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_sync_loadgen_triggers_total",
			Help: "Total number of trigger messages the load generator attempted, labeled by subject and result.",
		},
		[]string{"subject", "result"},
	)
)

// InitMetrics toggles metric collection. Collectors are registered by promauto.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// ObserveSyncRun records one completed run.
func ObserveSyncRun(kind, status string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	SyncRunsTotal.WithLabelValues(kind, status).Inc()
	SyncRunDurationSeconds.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// AddSyncRecords adds n records for an outcome and reason.
func AddSyncRecords(kind, outcome, reason string, n int) {
	if !metricsEnabled || n == 0 {
		return
	}
	SyncRecordsTotal.WithLabelValues(kind, outcome, sanitizeLabel(reason)).Add(float64(n))
}

// IncSyncRejected counts a rejected run request.
func IncSyncRejected(reason string) {
	if !metricsEnabled {
		return
	}
	SyncRunsRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveProviderPage records a provider page request.
func ObserveProviderPage(duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	ProviderPageDurationSeconds.WithLabelValues(statusLabel(err)).Observe(duration.Seconds())
}

// IncTokenRefresh counts a token refresh attempt.
func IncTokenRefresh(err error) {
	if !metricsEnabled {
		return
	}
	ProviderTokenRefreshTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveDbOperationDuration records the duration of a database operation.
func ObserveDbOperationDuration(operation, entity string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, statusLabel(err)).Observe(duration.Seconds())
}

// IncSyncTasksSubmitted counts a submission to the worker pool.
func IncSyncTasksSubmitted(kind string, err error) {
	if !metricsEnabled {
		return
	}
	syncTasksSubmittedTotal.WithLabelValues(kind, statusLabel(err)).Inc()
}

// SetSyncQueueLength sets the number of blocked submitters.
func SetSyncQueueLength(length int) {
	if !metricsEnabled {
		return
	}
	syncQueueLength.Set(float64(length))
}

// SetSyncWorkersActive sets the number of running workers.
func SetSyncWorkersActive(count int) {
	if !metricsEnabled {
		return
	}
	syncWorkersActive.Set(float64(count))
}

// IncTriggerMessage counts a handled trigger message.
func IncTriggerMessage(subject, action, errorType string) {
	if !metricsEnabled {
		return
	}
	TriggerMessagesTotal.WithLabelValues(subject, action, errorType).Inc()
}

// ObserveTriggerProcessing records how long a trigger message took to handle.
func ObserveTriggerProcessing(subject string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	TriggerProcessingDurationSeconds.WithLabelValues(subject).Observe(duration.Seconds())
}

// IncEventPublished counts an event publish attempt.
func IncEventPublished(event string, err error) {
	if !metricsEnabled {
		return
	}
	eventsPublishedTotal.WithLabelValues(event, statusLabel(err)).Inc()
}

// IncScheduledJob counts a scheduled job execution.
func IncScheduledJob(job string, err error) {
	if !metricsEnabled {
		return
	}
	scheduledJobsTotal.WithLabelValues(job, statusLabel(err)).Inc()
}

// IncLoadgenTrigger counts one load generator publish attempt. result is attempted, published or error.
func IncLoadgenTrigger(subject, result string) {
	if !metricsEnabled {
		return
	}
	loadgenTriggersTotal.WithLabelValues(subject, result).Inc()
}

// SanitizeErrorType maps an error to a bounded category for metric labels.
func SanitizeErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case apperrors.IsBadRequestError(err), errors.Is(err, apperrors.ErrValidation):
		return "validation"
	case errors.Is(err, apperrors.ErrRateLimited):
		return "rate_limited"
	case apperrors.IsNotFoundError(err):
		return "not_found"
	case apperrors.IsTimeoutError(err):
		return "timeout"
	case errors.Is(err, apperrors.ErrNATS):
		return "nats"
	case errors.Is(err, apperrors.ErrDatabase):
		return "database"
	case strings.Contains(err.Error(), "unmarshal"), strings.Contains(err.Error(), "json"):
		return "unmarshal"
	default:
		return "unknown"
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// sanitizeLabel keeps label cardinality bounded
func sanitizeLabel(v string) string {
	if v == "" {
		return "none"
	}
	return strings.ToLower(v)
}
