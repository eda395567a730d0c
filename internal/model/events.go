package model

import (
	"encoding/json"
	"time"
)

// RunCompletedEvent is published after every sync or diagnostic run reaches a terminal status.
type RunCompletedEvent struct {
	Summary    SyncRunSummary `json:"summary"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// RefreshFailedEvent is published when a run aborts because the provider token could not be refreshed.
type RefreshFailedEvent struct {
	AccountID  string    `json:"account_id"`
	RunID      string    `json:"run_id"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SyncRequestMessage is the payload of a sync trigger message.
type SyncRequestMessage struct {
	AccountID   string   `json:"account_id" validate:"required"`
	Kind        SyncKind `json:"kind" validate:"required,oneof=manual auto"`
	TriggeredBy string   `json:"triggered_by,omitempty"`
}

// DiagnosticRequestMessage is the payload of a diagnostic trigger message. Zero bounds mean defaults.
type DiagnosticRequestMessage struct {
	AccountID   string    `json:"account_id" validate:"required"`
	Start       time.Time `json:"start,omitempty"`
	End         time.Time `json:"end,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
}

// MessageMetadata carries JetStream delivery metadata for a trigger message.
type MessageMetadata struct {
	StreamSequence   uint64
	ConsumerSequence uint64
	NumDelivered     uint64
	NumPending       uint64
	Timestamp        time.Time
	Stream           string
	Consumer         string
	MessageID        string
	MessageSubject   string
}

// DLQPayload is published to the dead-letter subject when a trigger message cannot be handled.
type DLQPayload struct {
	SourceSubject   string          `json:"source_subject"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"`
	RetryCount      uint64          `json:"retry_count"`
	MaxRetry        int             `json:"max_retry"`
	Timestamp       time.Time       `json:"ts"`
}
