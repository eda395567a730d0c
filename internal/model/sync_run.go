package model

import (
	"time"
)

// SyncKind identifies what triggered a run.
type SyncKind string

const (
	SyncKindManual     SyncKind = "manual"
	SyncKindAuto       SyncKind = "auto"
	SyncKindDiagnostic SyncKind = "diagnostic"
)

// Valid reports whether k is a known kind.
func (k SyncKind) Valid() bool {
	switch k {
	case SyncKindManual, SyncKindAuto, SyncKindDiagnostic:
		return true
	}
	return false
}

// RunStatus is the lifecycle status of a SyncRun.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusSuccess    RunStatus = "success"
	RunStatusPartial    RunStatus = "partial"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether s is a completed status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusPartial || s == RunStatusFailed
}

// Failure reasons recorded on ErrorDetails.Reason.
const (
	FailureReasonTimeout           = "timeout"
	FailureReasonTokenRefresh      = "token_refresh_failed"
	FailureReasonFetch             = "provider_fetch_failed"
	FailureReasonSchema            = "provider_schema_mismatch"
	FailureReasonCredentials       = "credentials_missing"
	FailureReasonAccount           = "account_missing"
	FailureReasonPageLimit         = "page_limit_reached"
	FailureReasonRecordErrors      = "record_errors"
	FailureReasonPaginationAborted = "pagination_aborted"
	FailureReasonInternal          = "internal_error"
	FailureReasonCanceled          = "canceled"
)

// RequestParams captures the inputs of a run.
type RequestParams struct {
	RequestedWindow DateRange `json:"requested_window"`
	EffectiveWindow DateRange `json:"effective_window"`
	// CallsResetAt is the reset cursor that was applied, if any.
	CallsResetAt *time.Time `json:"calls_reset_at,omitempty"`
	PageSize     int        `json:"page_size"`
	MaxPages     int        `json:"max_pages"`
	Pagination   string     `json:"pagination"`
	TriggeredBy  string     `json:"triggered_by,omitempty"`
}

// ResponseSummary captures what the provider returned. TotalFetched counts every record received.
// Unprocessed are the ones a run stopped before handling, so TotalFetched - Unprocessed records
// each have exactly one outcome.
type ResponseSummary struct {
	TotalFetched int   `json:"total_fetched"`
	Unprocessed  int   `json:"unprocessed"`
	PageCount    int   `json:"page_count"`
	PageLimitHit bool  `json:"page_limit_hit"`
	FetchMs      int64 `json:"fetch_ms"`
}

// ProcessingSummary captures how fetched records were handled.
type ProcessingSummary struct {
	Saved               int                `json:"saved"`
	Duplicates          int                `json:"duplicates"`
	Skipped             int                `json:"skipped"`
	Errors              int                `json:"errors"`
	SkipReasonHistogram map[SkipReason]int `json:"skip_reason_histogram"`
}

// Processed returns saved + skipped + errors. Duplicates are counted within Skipped.
func (p ProcessingSummary) Processed() int {
	return p.Saved + p.Skipped + p.Errors
}

// SkippedItem is one sampled skipped record kept for inspection.
type SkippedItem struct {
	ExternalCallID  string     `json:"external_call_id"`
	AgentExternalID string     `json:"agent_external_id,omitempty"`
	Reason          SkipReason `json:"reason"`
	StartedAt       time.Time  `json:"started_at"`
}

// RecordError is a per-record failure.
type RecordError struct {
	ExternalCallID string `json:"external_call_id"`
	Message        string `json:"message"`
}

// ErrorDetails is set on failed or partial runs.
type ErrorDetails struct {
	Reason       string        `json:"reason"`
	Message      string        `json:"message,omitempty"`
	RecordErrors []RecordError `json:"record_errors,omitempty"`
}

// SyncRun represents the sync_runs table, one row per orchestrator or comparator execution.
type SyncRun struct {
	ID                  string             `json:"id" gorm:"column:id;primaryKey"`
	AccountID           string             `json:"account_id" gorm:"column:account_id;index:idx_sync_runs_account_started" validate:"required"`
	Kind                SyncKind           `json:"kind" gorm:"column:kind" validate:"required,oneof=manual auto diagnostic"`
	Status              RunStatus          `json:"status" gorm:"column:status"`
	StartedAt           time.Time          `json:"started_at" gorm:"column:started_at;index:idx_sync_runs_account_started"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty" gorm:"column:completed_at;index"`
	DurationMs          int64              `json:"duration_ms" gorm:"column:duration_ms"`
	RequestParams       RequestParams      `json:"request_params" gorm:"column:request_params;type:jsonb;serializer:json"`
	ResponseSummary     ResponseSummary    `json:"response_summary" gorm:"column:response_summary;type:jsonb;serializer:json"`
	ProcessingSummary   ProcessingSummary  `json:"processing_summary" gorm:"column:processing_summary;type:jsonb;serializer:json"`
	SampledSkippedItems []SkippedItem      `json:"sampled_skipped_items" gorm:"column:sampled_skipped_items;type:jsonb;serializer:json"`
	ErrorDetails        *ErrorDetails      `json:"error_details,omitempty" gorm:"column:error_details;type:jsonb;serializer:json"`
	Diagnostic          *DiagnosticSummary `json:"diagnostic,omitempty" gorm:"column:diagnostic;type:jsonb;serializer:json"`
	CreatedAt           time.Time          `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (SyncRun) TableName() string {
	return "sync_runs"
}

// RunCompletion is the set of fields written once when a run finishes.
type RunCompletion struct {
	Status              RunStatus
	CompletedAt         time.Time
	ResponseSummary     ResponseSummary
	ProcessingSummary   ProcessingSummary
	SampledSkippedItems []SkippedItem
	ErrorDetails        *ErrorDetails
	Diagnostic          *DiagnosticSummary
}

// SyncRunSummary is the synchronous result returned to callers of RunSync.
type SyncRunSummary struct {
	RunID        string             `json:"run_id"`
	AccountID    string             `json:"account_id"`
	Kind         SyncKind           `json:"kind"`
	Status       RunStatus          `json:"status"`
	TotalFetched int                `json:"total_fetched"`
	Unprocessed  int                `json:"unprocessed,omitempty"`
	PageCount    int                `json:"page_count"`
	Saved        int                `json:"saved"`
	Skipped      int                `json:"skipped"`
	Errors       int                `json:"errors"`
	Histogram    map[SkipReason]int `json:"skip_reason_histogram"`
	Window       DateRange          `json:"window"`
	DurationMs   int64              `json:"duration_ms"`
	// Cooldown is true when an auto run was suppressed by a recent successful auto run.
	Cooldown bool          `json:"cooldown,omitempty"`
	Error    *ErrorDetails `json:"error,omitempty"`
}

// Summary flattens a completed run into a SyncRunSummary.
func (r SyncRun) Summary() SyncRunSummary {
	hist := r.ProcessingSummary.SkipReasonHistogram
	if hist == nil {
		hist = map[SkipReason]int{}
	}
	return SyncRunSummary{
		RunID:        r.ID,
		AccountID:    r.AccountID,
		Kind:         r.Kind,
		Status:       r.Status,
		TotalFetched: r.ResponseSummary.TotalFetched,
		Unprocessed:  r.ResponseSummary.Unprocessed,
		PageCount:    r.ResponseSummary.PageCount,
		Saved:        r.ProcessingSummary.Saved,
		Skipped:      r.ProcessingSummary.Skipped,
		Errors:       r.ProcessingSummary.Errors,
		Histogram:    hist,
		Window:       r.RequestParams.EffectiveWindow,
		DurationMs:   r.DurationMs,
		Error:        r.ErrorDetails,
	}
}
