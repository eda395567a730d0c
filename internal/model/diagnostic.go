package model

import "time"

// MissingCall is an external call with no local row, with the reason a sync would give.
type MissingCall struct {
	ExternalCallID  string     `json:"external_call_id"`
	AgentExternalID string     `json:"agent_external_id"`
	AgentName       string     `json:"agent_name"`
	Direction       string     `json:"direction"`
	FromNumber      string     `json:"from_number"`
	ToNumber        string     `json:"to_number"`
	StartedAt       time.Time  `json:"started_at"`
	DurationSeconds int        `json:"duration_seconds"`
	Reason          SkipReason `json:"reason"`
}

// AgentGap aggregates missing calls per agent id.
type AgentGap struct {
	AgentExternalID   string `json:"agent_external_id"`
	Name              string `json:"name"`
	KnownLocally      bool   `json:"known_locally"`
	IsAssignedLocally bool   `json:"is_assigned_locally"`
	OccurrenceCount   int    `json:"occurrence_count"`
}

// DiagnosticSummary is the compact part of a report stored on the diagnostic SyncRun.
type DiagnosticSummary struct {
	ExternalTotal     int                `json:"external_total"`
	LocalTotal        int                `json:"local_total"`
	Matching          int                `json:"matching"`
	MissingInDatabase int                `json:"missing_in_database"`
	ExtraInDatabase   int                `json:"extra_in_database"`
	ReasonHistogram   map[SkipReason]int `json:"reason_histogram"`
}

// DiagnosticReport compares the provider call set with the local call set for one window.
type DiagnosticReport struct {
	RunID       string    `json:"run_id"`
	AccountID   string    `json:"account_id"`
	Window      DateRange `json:"window"`
	GeneratedAt time.Time `json:"generated_at"`
	DiagnosticSummary
	PageCount      int           `json:"page_count"`
	PageLimitHit   bool          `json:"page_limit_hit"`
	MissingCalls   []MissingCall `json:"missing_calls"`
	ExtraCallIDs   []string      `json:"extra_call_ids"`
	AgentBreakdown []AgentGap    `json:"agent_breakdown"`
}
