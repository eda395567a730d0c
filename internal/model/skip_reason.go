package model

// SkipReason classifies why a fetched record was not persisted.
type SkipReason string

// Agent resolution reasons, in evaluation order.
const (
	SkipReasonNoAgentID      SkipReason = "no_agent_id_in_call"
	SkipReasonAgentNotFound  SkipReason = "agent_not_in_system"
	SkipReasonAgentNotLinked SkipReason = "agent_not_assigned_to_user"
)

// Persistence-stage reasons.
const (
	// SkipReasonDuplicate is a record whose external id is already stored for the account.
	SkipReasonDuplicate SkipReason = "already_synced"
	// SkipReasonTombstoned is a record an admin deleted; it is never re-imported.
	SkipReasonTombstoned SkipReason = "tombstoned"
	// SkipReasonBeforeReset is a record the provider returned from before the reset cursor.
	SkipReasonBeforeReset SkipReason = "before_reset_cursor"
	// SkipReasonAcceptedNotPersisted is used by diagnostics for calls a sync would save but that are absent locally.
	SkipReasonAcceptedNotPersisted SkipReason = "accepted_not_persisted"
	// SkipReasonMalformed is used by diagnostics for calls a sync would count as record errors.
	SkipReasonMalformed SkipReason = "malformed_record"
)

// AgentResolutionReasons lists the filter reasons in evaluation order.
var AgentResolutionReasons = []SkipReason{
	SkipReasonNoAgentID,
	SkipReasonAgentNotFound,
	SkipReasonAgentNotLinked,
}

// Valid reports whether r is a known reason.
func (r SkipReason) Valid() bool {
	switch r {
	case SkipReasonNoAgentID, SkipReasonAgentNotFound, SkipReasonAgentNotLinked,
		SkipReasonDuplicate, SkipReasonTombstoned, SkipReasonBeforeReset,
		SkipReasonAcceptedNotPersisted, SkipReasonMalformed:
		return true
	}
	return false
}
