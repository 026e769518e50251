// Package domain contains core domain types for the GrugFleet orchestrator.
package domain

import (
	"time"
)

// Status is the lifecycle state of a bot instance.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Startable reports whether a start command is legal in this state.
func (s Status) Startable() bool {
	return s == StatusStopped || s == StatusError
}

// HasWorker reports whether a live worker must exist in this state.
func (s Status) HasWorker() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	case StatusStopped, StatusError:
		return false
	}
	return false
}

// BotInstance represents one configured conversational agent bound to one
// external chat-network credential and one personality.
type BotInstance struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	CredentialRef   string            `json:"credential_ref"`
	PersonalityRef  string            `json:"personality_ref"`
	RuntimeConfig   map[string]string `json:"runtime_config,omitempty"`
	Status          Status            `json:"status"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// InstanceSpec is the operator input for creating a bot instance.
type InstanceSpec struct {
	Name           string            `json:"name"`
	CredentialRef  string            `json:"credential_ref"`
	PersonalityRef string            `json:"personality_ref"`
	RuntimeConfig  map[string]string `json:"runtime_config,omitempty"`
}

// InstancePatch is a field-level update applied to a stopped instance.
// Nil fields are left unchanged.
type InstancePatch struct {
	Name           *string            `json:"name,omitempty"`
	PersonalityRef *string            `json:"personality_ref,omitempty"`
	RuntimeConfig  *map[string]string `json:"runtime_config,omitempty"`
}
