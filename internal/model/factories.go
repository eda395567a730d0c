package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
)

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// NewAgent creates a new Agent instance with fake data. A non-nil override replaces the generated fields.
func NewAgent(overrideDefaults ...*Agent) *Agent {
	base := &Agent{
		ExternalAgentID: "agt_" + gofakeit.LetterN(12),
		Name:            gofakeit.FirstName() + " Bot",
		IsActive:        true,
		CreatedAt:       time.Now().UTC().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour),
		UpdatedAt:       time.Now().UTC(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ExternalAgentID != "" {
			base.ExternalAgentID = ovr.ExternalAgentID
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		base.IsActive = ovr.IsActive
	}
	return base
}

// NewProviderCall creates a fake provider call handled by agentID (no agent when agentID is "").
func NewProviderCall(agentID string, startedAt time.Time) ProviderCall {
	duration := gofakeit.Number(5, 900)
	cost := decimal.NewFromFloat(gofakeit.Price(0.01, 12.5)).Round(2)
	summary := gofakeit.Sentence(8)
	call := ProviderCall{
		ID:              "call_" + gofakeit.UUID(),
		Direction:       gofakeit.RandomString([]string{string(CallDirectionInbound), string(CallDirectionOutbound)}),
		FromNumber:      gofakeit.Phone(),
		ToNumber:        gofakeit.Phone(),
		Status:          "completed",
		DurationSeconds: &duration,
		Cost:            &cost,
		StartedAt:       startedAt.UTC(),
		Summary:         &summary,
		Tags:            []string{gofakeit.RandomString([]string{"lead", "support", "billing"})},
	}
	if agentID != "" {
		id := agentID
		call.AgentID = &id
	}
	return call
}
