package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/internal/validator"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

const (
	// Sizing for the per-run index of already stored ids.
	minIndexItems        = 1024
	indexFalsePositive   = 0.001
	maxStoredTagLength   = 64
	maxStoredTagsPerCall = 32
)

// Outcome is the result of persisting one accepted call.
type Outcome int

const (
	OutcomeSaved Outcome = iota
	OutcomeDuplicate
	OutcomeSkipped
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "error"
	}
}

// PersistResult carries the outcome, the skip reason for OutcomeSkipped and the cause for OutcomeError.
type PersistResult struct {
	Outcome Outcome
	Reason  model.SkipReason
	Err     error
}

// Writer maps accepted provider calls into CallRecords and inserts them at most once per account.
type Writer struct {
	calls      storage.CallRepo
	tombstones storage.TombstoneRepo
}

// NewWriter creates a Writer.
func NewWriter(calls storage.CallRepo, tombstones storage.TombstoneRepo) *Writer {
	return &Writer{calls: calls, tombstones: tombstones}
}

// WriteSession holds the per-run state of a Writer for one account and window.
type WriteSession struct {
	w          *Writer
	accountID  string
	runID      string
	window     model.DateRange
	tombstoned map[string]struct{}
	// existing answers "definitely not stored" without a query. Positives are confirmed by CallExists.
	existing *bloom.BloomFilter
}

// Begin loads the account's tombstones and the ids already stored in the window.
func (w *Writer) Begin(ctx context.Context, accountID, runID string, window model.DateRange) (*WriteSession, error) {
	tombstoned, err := loadTombstones(ctx, w.tombstones, accountID)
	if err != nil {
		return nil, err
	}

	ids, err := w.calls.ListCallExternalIDs(ctx, accountID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored call ids: %w", err)
	}
	n := uint(len(ids) * 2)
	if n < minIndexItems {
		n = minIndexItems
	}
	existing := bloom.NewWithEstimates(n, indexFalsePositive)
	for _, id := range ids {
		existing.AddString(id)
	}

	logger.FromContext(ctx).Debug("Write session ready",
		zap.Int("stored_in_window", len(ids)),
		zap.Int("tombstones", len(tombstoned)))

	return &WriteSession{
		w:          w,
		accountID:  accountID,
		runID:      runID,
		window:     window,
		tombstoned: tombstoned,
		existing:   existing,
	}, nil
}

func loadTombstones(ctx context.Context, repo storage.TombstoneRepo, accountID string) (map[string]struct{}, error) {
	ids, err := repo.ListTombstonedIDs(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tombstones: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// preInsertSkip returns the reason an accepted call is not inserted before any store lookup.
// The comparator uses the same rules so its attribution matches a sync.
func preInsertSkip(call model.ProviderCall, window model.DateRange, tombstoned map[string]struct{}) (model.SkipReason, bool) {
	if !window.Start.IsZero() && call.StartedAt.Before(window.Start) {
		return model.SkipReasonBeforeReset, true
	}
	if _, ok := tombstoned[call.ID]; ok {
		return model.SkipReasonTombstoned, true
	}
	return "", false
}

// Persist inserts one accepted call. Already stored ids are Duplicate, not an error.
func (s *WriteSession) Persist(ctx context.Context, call model.ProviderCall) PersistResult {
	if call.Malformed != nil {
		return PersistResult{Outcome: OutcomeError, Err: fmt.Errorf("%w: %w", apperrors.ErrValidation, call.Malformed)}
	}
	if reason, skip := preInsertSkip(call, s.window, s.tombstoned); skip {
		return PersistResult{Outcome: OutcomeSkipped, Reason: reason}
	}

	if s.existing.TestString(call.ID) {
		exists, err := s.w.calls.CallExists(ctx, s.accountID, call.ID)
		if err != nil {
			return PersistResult{Outcome: OutcomeError, Err: err}
		}
		if exists {
			return PersistResult{Outcome: OutcomeDuplicate, Reason: model.SkipReasonDuplicate}
		}
	}

	record, err := MapCall(s.accountID, s.runID, call)
	if err != nil {
		return PersistResult{Outcome: OutcomeError, Err: err}
	}

	if err := s.w.calls.InsertCall(ctx, record); err != nil {
		// Lost a race with another writer, or the index missed an id stored outside the window.
		if apperrors.IsDuplicateError(err) {
			return PersistResult{Outcome: OutcomeDuplicate, Reason: model.SkipReasonDuplicate}
		}
		return PersistResult{Outcome: OutcomeError, Err: err}
	}
	s.existing.AddString(call.ID)
	return PersistResult{Outcome: OutcomeSaved}
}

// MapCall converts a provider call into a CallRecord. Missing numbers become 0 and empty optional
// strings become null.
func MapCall(accountID, runID string, call model.ProviderCall) (*model.CallRecord, error) {
	duration := 0
	if call.DurationSeconds != nil {
		duration = *call.DurationSeconds
	}
	cost := decimal.Zero
	if call.Cost != nil {
		cost = *call.Cost
	}
	if cost.IsNegative() {
		return nil, fmt.Errorf("%w: field 'cost' must be greater than or equal to 0", apperrors.ErrValidation)
	}

	record := &model.CallRecord{
		AccountID:          accountID,
		ExternalCallID:     strings.TrimSpace(call.ID),
		Direction:          model.CallDirection(strings.ToLower(strings.TrimSpace(call.Direction))),
		ContactName:        optionalString(call.ContactName),
		FromNumber:         call.FromNumber,
		ToNumber:           call.ToNumber,
		Status:             call.Status,
		DurationSeconds:    duration,
		Cost:               cost,
		StartedAt:          call.StartedAt.UTC(),
		AgentExternalID:    optionalString(call.AgentID),
		Summary:            optionalString(call.Summary),
		Transcript:         optionalString(call.Transcript),
		RecordingReference: optionalString(call.RecordingURL),
		Tags:               normalizeTags(call.Tags),
		RawPayload:         datatypes.JSON(call.Raw),
		SyncRunID:          runID,
	}
	if err := validator.Validate(record); err != nil {
		return nil, err
	}
	return record, nil
}

func optionalString(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// normalizeTags returns the distinct non-blank tags in first-seen order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || len(t) > maxStoredTagLength {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxStoredTagsPerCall {
			break
		}
	}
	return out
}
