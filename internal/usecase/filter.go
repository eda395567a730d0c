package usecase

import (
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
)

// Decision is the outcome of agent resolution for one provider call.
type Decision struct {
	Accept bool
	Reason model.SkipReason
}

// Accepted is the accepting decision.
var Accepted = Decision{Accept: true}

// AgentSets is the per-account view of local agents used to classify calls.
type AgentSets struct {
	Assigned map[string]struct{}
	Known    map[string]model.Agent
}

// NewAgentSets indexes the known agents and the account's assigned agent ids.
func NewAgentSets(known []model.Agent, assigned []string) AgentSets {
	sets := AgentSets{
		Assigned: make(map[string]struct{}, len(assigned)),
		Known:    make(map[string]model.Agent, len(known)),
	}
	for _, a := range known {
		sets.Known[a.ExternalAgentID] = a
	}
	for _, id := range assigned {
		sets.Assigned[id] = struct{}{}
	}
	return sets
}

// IsAssigned reports whether the agent is assigned to the account.
func (s AgentSets) IsAssigned(agentID string) bool {
	_, ok := s.Assigned[agentID]
	return ok
}

// IsKnown reports whether a local agent record exists.
func (s AgentSets) IsKnown(agentID string) bool {
	_, ok := s.Known[agentID]
	return ok
}

// Name returns the local agent name, or "" when unknown.
func (s AgentSets) Name(agentID string) string {
	return s.Known[agentID].Name
}

// Classify resolves a call's agent against the account's agents. Reasons are checked in order:
// missing agent id, agent unknown locally, agent not assigned to the account.
func Classify(call model.ProviderCall, sets AgentSets) Decision {
	agentID := call.AgentIDValue()
	switch {
	case agentID == "":
		return Decision{Reason: model.SkipReasonNoAgentID}
	case !sets.IsKnown(agentID):
		return Decision{Reason: model.SkipReasonAgentNotFound}
	case !sets.IsAssigned(agentID):
		return Decision{Reason: model.SkipReasonAgentNotLinked}
	}
	return Accepted
}
