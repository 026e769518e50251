package domain

import (
	"time"
)

// EventType discriminates the FleetEvent union.
type EventType string

const (
	EventInstanceCreated EventType = "instance_created"
	EventInstanceDeleted EventType = "instance_deleted"
	EventStatusChanged   EventType = "status_changed"
	EventLogLine         EventType = "log_line"
)

// LogLevel classifies a logLine event.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// FleetEvent is an ordered notification of a lifecycle or log occurrence.
// Immutable once emitted; delivered at-most-once to connected observers.
type FleetEvent struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id,omitempty"`
	From       Status    `json:"from,omitempty"`
	To         Status    `json:"to,omitempty"`
	Level      LogLevel  `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusChanged builds a statusChanged event for an instance transition.
func StatusChanged(instanceID string, from, to Status) FleetEvent {
	return FleetEvent{
		Type:       EventStatusChanged,
		InstanceID: instanceID,
		From:       from,
		To:         to,
		Timestamp:  time.Now().UTC(),
	}
}

// LogLine builds a logLine event for an instance.
func LogLine(instanceID string, level LogLevel, message string) FleetEvent {
	return FleetEvent{
		Type:       EventLogLine,
		InstanceID: instanceID,
		Level:      level,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
}
