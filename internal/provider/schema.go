package provider

import (
	stdjson "encoding/json"
	"fmt"

	"github.com/goccy/go-json"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
)

// SchemaVersion is the provider response version this client understands.
const SchemaVersion = 1

// callsResponseV1 is the calls listing envelope. Calls is a pointer so a missing key is detectable.
type callsResponseV1 struct {
	SchemaVersion int                `json:"schema_version"`
	Calls         *[]json.RawMessage `json:"calls"`
	NextPageToken *string            `json:"next_page_token"`
	Total         int                `json:"total"`
}

// decodeCallsPage parses a calls listing body. Any shape other than schema v1 is ErrProviderSchema.
func decodeCallsPage(body []byte) (*model.ProviderPage, error) {
	var envelope callsResponseV1
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %w", apperrors.ErrProviderSchema, err)
	}
	if envelope.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema_version %d", apperrors.ErrProviderSchema, envelope.SchemaVersion)
	}
	if envelope.Calls == nil {
		return nil, fmt.Errorf("%w: response has no calls field", apperrors.ErrProviderSchema)
	}

	page := &model.ProviderPage{
		Calls: make([]model.ProviderCall, 0, len(*envelope.Calls)),
		Total: envelope.Total,
	}
	if envelope.NextPageToken != nil {
		page.NextCursor = *envelope.NextPageToken
	}
	for i, raw := range *envelope.Calls {
		var call model.ProviderCall
		if err := json.Unmarshal(raw, &call); err != nil {
			// A single malformed call is a per-record error, not a page failure.
			var probe struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(raw, &probe)
			call = model.ProviderCall{ID: probe.ID, Malformed: fmt.Errorf("call %d: %w", i, err)}
		}
		call.Raw = stdjson.RawMessage(raw)
		page.Calls = append(page.Calls, call)
	}
	return page, nil
}
