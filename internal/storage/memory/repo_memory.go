package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
)

// Repo is an in-memory storage.Repository, used by tests and the memory database driver.
type Repo struct {
	mu          sync.RWMutex
	nextCallID  int64
	calls       map[string]map[string]model.CallRecord // account -> external id -> call
	agents      map[string]model.Agent
	assignments map[string]map[string]struct{}
	tombstones  map[string]map[string]model.CallTombstone
	billing     map[string]model.AccountBilling
	creds       map[string]model.ProviderCredential
	runs        map[string]model.SyncRun

	// InsertHook, when set, runs before a call is inserted; a non-nil error aborts the insert.
	InsertHook func(call *model.CallRecord) error
}

var _ storage.Repository = (*Repo)(nil)

// NewRepo returns an empty in-memory repository.
func NewRepo() *Repo {
	return &Repo{
		calls:       make(map[string]map[string]model.CallRecord),
		agents:      make(map[string]model.Agent),
		assignments: make(map[string]map[string]struct{}),
		tombstones:  make(map[string]map[string]model.CallTombstone),
		billing:     make(map[string]model.AccountBilling),
		creds:       make(map[string]model.ProviderCredential),
		runs:        make(map[string]model.SyncRun),
	}
}

// --- calls ---

func (r *Repo) CallExists(ctx context.Context, accountID, externalCallID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.calls[accountID][externalCallID]
	return ok, nil
}

func (r *Repo) InsertCall(ctx context.Context, call *model.CallRecord) error {
	if err := tenant.Matches(ctx, call.AccountID); err != nil {
		return fmt.Errorf("%w: call account %s: %w", apperrors.ErrUnauthorized, call.AccountID, err)
	}
	if r.InsertHook != nil {
		if err := r.InsertHook(call); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.calls[call.AccountID]
	if !ok {
		byID = make(map[string]model.CallRecord)
		r.calls[call.AccountID] = byID
	}
	if _, exists := byID[call.ExternalCallID]; exists {
		return fmt.Errorf("%w: call %s already stored for account %s", apperrors.ErrDuplicate, call.ExternalCallID, call.AccountID)
	}
	r.nextCallID++
	call.ID = r.nextCallID
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	byID[call.ExternalCallID] = *call
	return nil
}

func (r *Repo) ListCallExternalIDs(ctx context.Context, accountID string, window model.DateRange) ([]string, error) {
	calls, err := r.ListCalls(ctx, accountID, window)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.ExternalCallID)
	}
	return ids, nil
}

func (r *Repo) ListCalls(ctx context.Context, accountID string, window model.DateRange) ([]model.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CallRecord, 0, len(r.calls[accountID]))
	for _, c := range r.calls[accountID] {
		if window.Contains(c.StartedAt) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExternalCallID < out[j].ExternalCallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// CallCount returns the number of stored calls for an account.
func (r *Repo) CallCount(accountID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls[accountID])
}

// PutCall stores a call directly, bypassing tenant checks. Used to seed history.
func (r *Repo) PutCall(call model.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[call.AccountID] == nil {
		r.calls[call.AccountID] = make(map[string]model.CallRecord)
	}
	r.nextCallID++
	call.ID = r.nextCallID
	r.calls[call.AccountID][call.ExternalCallID] = call
}

// --- agents and assignments ---

func (r *Repo) SaveAgent(ctx context.Context, agent model.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ExternalAgentID] = agent
	return nil
}

func (r *Repo) ListAgents(ctx context.Context) ([]model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalAgentID < out[j].ExternalAgentID })
	return out, nil
}

func (r *Repo) AssignAgent(ctx context.Context, accountID, externalAgentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assignments[accountID] == nil {
		r.assignments[accountID] = make(map[string]struct{})
	}
	r.assignments[accountID][externalAgentID] = struct{}{}
	return nil
}

// UnassignAgent removes an assignment.
func (r *Repo) UnassignAgent(accountID, externalAgentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments[accountID], externalAgentID)
}

func (r *Repo) ListAssignedAgentIDs(ctx context.Context, accountID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.assignments[accountID]))
	for id := range r.assignments[accountID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// --- tombstones ---

func (r *Repo) AddTombstone(ctx context.Context, tombstone model.CallTombstone) error {
	if err := tenant.Matches(ctx, tombstone.AccountID); err != nil {
		return fmt.Errorf("%w: tombstone account %s: %w", apperrors.ErrUnauthorized, tombstone.AccountID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tombstones[tombstone.AccountID] == nil {
		r.tombstones[tombstone.AccountID] = make(map[string]model.CallTombstone)
	}
	if tombstone.DeletedAt.IsZero() {
		tombstone.DeletedAt = time.Now().UTC()
	}
	r.tombstones[tombstone.AccountID][tombstone.ExternalCallID] = tombstone
	return nil
}

func (r *Repo) IsTombstoned(ctx context.Context, accountID, externalCallID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tombstones[accountID][externalCallID]
	return ok, nil
}

func (r *Repo) ListTombstonedIDs(ctx context.Context, accountID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tombstones[accountID]))
	for id := range r.tombstones[accountID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// --- billing and credentials ---

func (r *Repo) SaveBilling(ctx context.Context, billing model.AccountBilling) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.billing[billing.AccountID]; ok && billing.CreatedAt.IsZero() {
		billing.CreatedAt = existing.CreatedAt
	}
	if billing.CreatedAt.IsZero() {
		billing.CreatedAt = time.Now().UTC()
	}
	billing.UpdatedAt = time.Now().UTC()
	r.billing[billing.AccountID] = billing
	return nil
}

func (r *Repo) GetBilling(ctx context.Context, accountID string) (*model.AccountBilling, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.billing[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account billing %s", apperrors.ErrNotFound, accountID)
	}
	return &b, nil
}

func (r *Repo) ListSyncableAccounts(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.billing))
	for id := range r.billing {
		if _, ok := r.creds[id]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Repo) SaveCredential(ctx context.Context, cred model.ProviderCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.creds[cred.AccountID]; ok {
		cred.Version = existing.Version + 1
	}
	cred.UpdatedAt = time.Now().UTC()
	r.creds[cred.AccountID] = cred
	return nil
}

func (r *Repo) GetCredential(ctx context.Context, accountID string) (*model.ProviderCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creds[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: credentials for account %s", apperrors.ErrNotFound, accountID)
	}
	return &c, nil
}

func (r *Repo) UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) (*model.ProviderCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: credentials for account %s", apperrors.ErrNotFound, accountID)
	}
	if c.Version != expectedVersion {
		return nil, fmt.Errorf("%w: credential version %d for account %s is stale", apperrors.ErrConflict, expectedVersion, accountID)
	}
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.ExpiresAt = expiresAt
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	r.creds[accountID] = c
	return &c, nil
}

// --- sync runs ---

func (r *Repo) CreateRun(ctx context.Context, run *model.SyncRun) error {
	if err := tenant.Matches(ctx, run.AccountID); err != nil {
		return fmt.Errorf("%w: run account %s: %w", apperrors.ErrUnauthorized, run.AccountID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("%w: sync run %s", apperrors.ErrDuplicate, run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *Repo) CompleteRun(ctx context.Context, runID string, completion model.RunCompletion) (*model.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: sync run %s", apperrors.ErrNotFound, runID)
	}
	if run.Status != model.RunStatusInProgress {
		return nil, fmt.Errorf("%w: run %s already completed with status %s", apperrors.ErrConflict, runID, run.Status)
	}
	completedAt := completion.CompletedAt
	run.Status = completion.Status
	run.CompletedAt = &completedAt
	run.DurationMs = completedAt.Sub(run.StartedAt).Milliseconds()
	run.ResponseSummary = completion.ResponseSummary
	run.ProcessingSummary = completion.ProcessingSummary
	run.SampledSkippedItems = completion.SampledSkippedItems
	run.ErrorDetails = completion.ErrorDetails
	run.Diagnostic = completion.Diagnostic
	r.runs[runID] = run
	return &run, nil
}

func (r *Repo) ListRecentRuns(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SyncRun, 0)
	for _, run := range r.runs {
		if run.AccountID == accountID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repo) LastSuccessfulRun(ctx context.Context, accountID string, kind model.SyncKind) (*model.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *model.SyncRun
	for _, run := range r.runs {
		if run.AccountID != accountID || run.Kind != kind || run.Status != model.RunStatusSuccess || run.CompletedAt == nil {
			continue
		}
		if best == nil || run.CompletedAt.After(*best.CompletedAt) {
			candidate := run
			best = &candidate
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no successful %s run for account %s", apperrors.ErrNotFound, kind, accountID)
	}
	return best, nil
}

func (r *Repo) PurgeRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, run := range r.runs {
		if run.StartedAt.Before(cutoff) {
			delete(r.runs, id)
			removed++
		}
	}
	return removed, nil
}

// Run returns a stored run by id.
func (r *Repo) Run(runID string) (model.SyncRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	return run, ok
}

// RunCount returns the number of stored runs for an account.
func (r *Repo) RunCount(accountID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, run := range r.runs {
		if run.AccountID == accountID {
			n++
		}
	}
	return n
}

func (r *Repo) Close(ctx context.Context) error { return nil }
