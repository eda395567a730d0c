package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CallDirection is the direction of a phone call.
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// CallRecord represents the calls table, one row per synced external call.
//
// Unique per (account_id, external_call_id). The sync path only inserts rows.
type CallRecord struct {
	// ID is the internal surrogate key.
	ID int64 `json:"id" gorm:"primaryKey;autoIncrement"`
	// AccountID is the billed tenant the call belongs to.
	AccountID string `json:"account_id" gorm:"column:account_id;uniqueIndex:idx_calls_account_external;index:idx_calls_account_started" validate:"required"`
	// ExternalCallID is the provider's identifier for the call.
	ExternalCallID string        `json:"external_call_id" gorm:"column:external_call_id;uniqueIndex:idx_calls_account_external" validate:"required"`
	Direction      CallDirection `json:"direction" gorm:"column:direction" validate:"required,oneof=inbound outbound"`
	// ContactName is nil when the provider did not resolve a contact.
	ContactName     *string         `json:"contact_name" gorm:"column:contact_name"`
	FromNumber      string          `json:"from_number" gorm:"column:from_number"`
	ToNumber        string          `json:"to_number" gorm:"column:to_number"`
	Status          string          `json:"status" gorm:"column:status"`
	DurationSeconds int             `json:"duration_seconds" gorm:"column:duration_seconds" validate:"gte=0"`
	Cost            decimal.Decimal `json:"cost" gorm:"column:cost;type:numeric(12,4)"`
	StartedAt       time.Time       `json:"started_at" gorm:"column:started_at;index:idx_calls_account_started" validate:"required"`
	// AgentExternalID is the provider agent that handled the call, nil when absent.
	AgentExternalID    *string        `json:"agent_external_id" gorm:"column:agent_external_id;index"`
	Summary            *string        `json:"summary" gorm:"column:summary"`
	Transcript         *string        `json:"transcript" gorm:"column:transcript"`
	RecordingReference *string        `json:"recording_reference" gorm:"column:recording_reference"`
	Tags               []string       `json:"tags" gorm:"column:tags;type:jsonb;serializer:json"`
	RawPayload         datatypes.JSON `json:"-" gorm:"column:raw_payload;type:jsonb"`
	SyncRunID          string         `json:"sync_run_id,omitempty" gorm:"column:sync_run_id"`
	CreatedAt          time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (CallRecord) TableName() string {
	return "calls"
}

// CallTombstone marks an external call id that an admin deleted and must not be re-imported.
type CallTombstone struct {
	ID             int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	AccountID      string    `json:"account_id" gorm:"column:account_id;uniqueIndex:idx_tombstone_account_external"`
	ExternalCallID string    `json:"external_call_id" gorm:"column:external_call_id;uniqueIndex:idx_tombstone_account_external"`
	DeletedBy      string    `json:"deleted_by,omitempty" gorm:"column:deleted_by"`
	DeletedAt      time.Time `json:"deleted_at" gorm:"column:deleted_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (CallTombstone) TableName() string {
	return "deleted_call_tombstones"
}
