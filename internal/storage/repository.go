package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/voice-call-sync/internal/model"
)

// CallRepo defines call storage operations. Every query is scoped by account.
type CallRepo interface {
	CallExists(ctx context.Context, accountID, externalCallID string) (bool, error)
	InsertCall(ctx context.Context, call *model.CallRecord) error
	ListCallExternalIDs(ctx context.Context, accountID string, window model.DateRange) ([]string, error)
	ListCalls(ctx context.Context, accountID string, window model.DateRange) ([]model.CallRecord, error)
}

// AgentRepo defines agent storage operations
type AgentRepo interface {
	SaveAgent(ctx context.Context, agent model.Agent) error
	ListAgents(ctx context.Context) ([]model.Agent, error)
}

// AssignmentRepo defines agent-to-account assignment operations
type AssignmentRepo interface {
	AssignAgent(ctx context.Context, accountID, externalAgentID string) error
	ListAssignedAgentIDs(ctx context.Context, accountID string) ([]string, error)
}

// TombstoneRepo defines deleted-call tombstone operations
type TombstoneRepo interface {
	AddTombstone(ctx context.Context, tombstone model.CallTombstone) error
	IsTombstoned(ctx context.Context, accountID, externalCallID string) (bool, error)
	ListTombstonedIDs(ctx context.Context, accountID string) ([]string, error)
}

// AccountRepo defines billing account operations
type AccountRepo interface {
	SaveBilling(ctx context.Context, billing model.AccountBilling) error
	GetBilling(ctx context.Context, accountID string) (*model.AccountBilling, error)
	// ListSyncableAccounts returns ids of accounts that have both a billing row and provider credentials.
	ListSyncableAccounts(ctx context.Context) ([]string, error)
}

// CredentialRepo defines provider credential operations
type CredentialRepo interface {
	SaveCredential(ctx context.Context, cred model.ProviderCredential) error
	GetCredential(ctx context.Context, accountID string) (*model.ProviderCredential, error)
	// UpdateTokens writes a refreshed token pair when the stored version still equals expectedVersion.
	// It returns apperrors.ErrConflict when another writer got there first.
	UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) (*model.ProviderCredential, error)
}

// SyncRunRepo defines run log storage operations
type SyncRunRepo interface {
	CreateRun(ctx context.Context, run *model.SyncRun) error
	// CompleteRun sets the terminal fields of an in-progress run and returns the stored row.
	CompleteRun(ctx context.Context, runID string, completion model.RunCompletion) (*model.SyncRun, error)
	ListRecentRuns(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error)
	LastSuccessfulRun(ctx context.Context, accountID string, kind model.SyncKind) (*model.SyncRun, error)
	PurgeRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository is the combined set of storage operations used by the engine.
type Repository interface {
	CallRepo
	AgentRepo
	AssignmentRepo
	TombstoneRepo
	AccountRepo
	CredentialRepo
	SyncRunRepo
	Close(ctx context.Context) error
}
