package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/voice-call-sync/internal/model"
)

// --- CallRepo Mock ---

// CallRepoMock mocks the CallRepo interface
type CallRepoMock struct {
	mock.Mock
}

// CallExists mocks the CallExists method
func (m *CallRepoMock) CallExists(ctx context.Context, accountID, externalCallID string) (bool, error) {
	args := m.Called(ctx, accountID, externalCallID)
	return args.Bool(0), args.Error(1)
}

// InsertCall mocks the InsertCall method
func (m *CallRepoMock) InsertCall(ctx context.Context, call *model.CallRecord) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

// ListCallExternalIDs mocks the ListCallExternalIDs method
func (m *CallRepoMock) ListCallExternalIDs(ctx context.Context, accountID string, window model.DateRange) ([]string, error) {
	args := m.Called(ctx, accountID, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// ListCalls mocks the ListCalls method
func (m *CallRepoMock) ListCalls(ctx context.Context, accountID string, window model.DateRange) ([]model.CallRecord, error) {
	args := m.Called(ctx, accountID, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CallRecord), args.Error(1)
}

// --- TombstoneRepo Mock ---

// TombstoneRepoMock mocks the TombstoneRepo interface
type TombstoneRepoMock struct {
	mock.Mock
}

// AddTombstone mocks the AddTombstone method
func (m *TombstoneRepoMock) AddTombstone(ctx context.Context, tombstone model.CallTombstone) error {
	args := m.Called(ctx, tombstone)
	return args.Error(0)
}

// IsTombstoned mocks the IsTombstoned method
func (m *TombstoneRepoMock) IsTombstoned(ctx context.Context, accountID, externalCallID string) (bool, error) {
	args := m.Called(ctx, accountID, externalCallID)
	return args.Bool(0), args.Error(1)
}

// ListTombstonedIDs mocks the ListTombstonedIDs method
func (m *TombstoneRepoMock) ListTombstonedIDs(ctx context.Context, accountID string) ([]string, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// --- SyncRunRepo Mock ---

// SyncRunRepoMock mocks the SyncRunRepo interface
type SyncRunRepoMock struct {
	mock.Mock
}

// CreateRun mocks the CreateRun method
func (m *SyncRunRepoMock) CreateRun(ctx context.Context, run *model.SyncRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

// CompleteRun mocks the CompleteRun method
func (m *SyncRunRepoMock) CompleteRun(ctx context.Context, runID string, completion model.RunCompletion) (*model.SyncRun, error) {
	args := m.Called(ctx, runID, completion)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncRun), args.Error(1)
}

// ListRecentRuns mocks the ListRecentRuns method
func (m *SyncRunRepoMock) ListRecentRuns(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error) {
	args := m.Called(ctx, accountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SyncRun), args.Error(1)
}

// LastSuccessfulRun mocks the LastSuccessfulRun method
func (m *SyncRunRepoMock) LastSuccessfulRun(ctx context.Context, accountID string, kind model.SyncKind) (*model.SyncRun, error) {
	args := m.Called(ctx, accountID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncRun), args.Error(1)
}

// PurgeRunsOlderThan mocks the PurgeRunsOlderThan method
func (m *SyncRunRepoMock) PurgeRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// --- CredentialRepo Mock ---

// CredentialRepoMock mocks the CredentialRepo interface
type CredentialRepoMock struct {
	mock.Mock
}

// SaveCredential mocks the SaveCredential method
func (m *CredentialRepoMock) SaveCredential(ctx context.Context, cred model.ProviderCredential) error {
	args := m.Called(ctx, cred)
	return args.Error(0)
}

// GetCredential mocks the GetCredential method
func (m *CredentialRepoMock) GetCredential(ctx context.Context, accountID string) (*model.ProviderCredential, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ProviderCredential), args.Error(1)
}

// UpdateTokens mocks the UpdateTokens method
func (m *CredentialRepoMock) UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) (*model.ProviderCredential, error) {
	args := m.Called(ctx, accountID, accessToken, refreshToken, expiresAt, expectedVersion)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ProviderCredential), args.Error(1)
}
