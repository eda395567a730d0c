package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderCall is one call object as decoded from the provider API (schema v1).
//
// Optional fields are pointers so that "absent" can be told apart from "empty".
type ProviderCall struct {
	ID              string           `json:"id"`
	AgentID         *string          `json:"agent_id"`
	Direction       string           `json:"direction"`
	FromNumber      string           `json:"from_number"`
	ToNumber        string           `json:"to_number"`
	ContactName     *string          `json:"contact_name"`
	Status          string           `json:"status"`
	DurationSeconds *int             `json:"duration_seconds"`
	Cost            *decimal.Decimal `json:"cost"`
	StartedAt       time.Time        `json:"started_at"`
	Summary         *string          `json:"summary"`
	Transcript      *string          `json:"transcript"`
	RecordingURL    *string          `json:"recording_url"`
	Tags            []string         `json:"tags"`
	Raw             json.RawMessage  `json:"-"`
	// Malformed is set when the call object could not be decoded; only ID and Raw are then populated.
	Malformed error `json:"-"`
}

// AgentIDValue returns the agent id, or "" when absent or blank.
func (c ProviderCall) AgentIDValue() string {
	if c.AgentID == nil {
		return ""
	}
	return strings.TrimSpace(*c.AgentID)
}

// ProviderPage is one page of provider results.
type ProviderPage struct {
	Calls []ProviderCall
	// NextCursor is the provider page token; empty when the provider sent none.
	NextCursor string
	// Total is the provider's reported total for the query, 0 when unknown.
	Total    int
	Duration time.Duration
}
