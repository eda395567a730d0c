package usecase

import (
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
)

const maxErrorMessage = 512

// tally accumulates the per-record outcomes of one run.
type tally struct {
	summary      model.ProcessingSummary
	sample       []model.SkippedItem
	recordErrors []model.RecordError
	sampleLimit  int
}

func newTally(sampleLimit int) *tally {
	return &tally{
		summary:     model.ProcessingSummary{SkipReasonHistogram: map[model.SkipReason]int{}},
		sample:      []model.SkippedItem{},
		sampleLimit: sampleLimit,
	}
}

func (t *tally) save() {
	t.summary.Saved++
}

func (t *tally) skip(call model.ProviderCall, reason model.SkipReason) {
	t.summary.Skipped++
	t.summary.SkipReasonHistogram[reason]++
	if len(t.sample) < t.sampleLimit {
		t.sample = append(t.sample, model.SkippedItem{
			ExternalCallID:  call.ID,
			AgentExternalID: call.AgentIDValue(),
			Reason:          reason,
			StartedAt:       call.StartedAt,
		})
	}
}

// duplicate counts an already stored call as a skip.
func (t *tally) duplicate(call model.ProviderCall) {
	t.summary.Duplicates++
	t.skip(call, model.SkipReasonDuplicate)
}

func (t *tally) fail(externalCallID string, err error) {
	t.summary.Errors++
	if len(t.recordErrors) < t.sampleLimit {
		msg := err.Error()
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		t.recordErrors = append(t.recordErrors, model.RecordError{ExternalCallID: externalCallID, Message: msg})
	}
}

func (t *tally) processed() int {
	return t.summary.Processed()
}
