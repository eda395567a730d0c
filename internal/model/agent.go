package model

import (
	"time"
)

// Agent represents the agents table structure, a calling persona mirrored from the provider.
type Agent struct {
	// ID is the internal database primary key.
	ID int64 `json:"-" gorm:"primaryKey;autoIncrement"`
	// ExternalAgentID is the provider's identifier for the agent.
	ExternalAgentID string `json:"external_agent_id" gorm:"column:external_agent_id;uniqueIndex" validate:"required"`
	// Name is the display name configured in the provider.
	Name string `json:"name" gorm:"column:name"`
	// IsActive mirrors whether the agent is enabled in the provider.
	IsActive bool `json:"is_active" gorm:"column:is_active;default:true"`
	// CreatedAt is the timestamp when the agent record was first created.
	CreatedAt time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	// UpdatedAt is the timestamp when the agent record was last updated.
	UpdatedAt time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Agent) TableName() string {
	return "agents"
}

// AgentAssignment is the many-to-many join between accounts and agents.
type AgentAssignment struct {
	ID              int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	AccountID       string    `json:"account_id" gorm:"column:account_id;uniqueIndex:idx_assignment_account_agent" validate:"required"`
	ExternalAgentID string    `json:"external_agent_id" gorm:"column:external_agent_id;uniqueIndex:idx_assignment_account_agent" validate:"required"`
	CreatedAt       time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (AgentAssignment) TableName() string {
	return "agent_assignments"
}
