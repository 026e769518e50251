// Package worker defines the contract between the fleet supervisor and the
// runtimes that host live bot workers, and provides the Docker and Discord
// backed implementations.
package worker

import (
	"context"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
)

// Kind discriminates worker feed events.
type Kind int

const (
	// KindHeartbeat is a periodic liveness signal.
	KindHeartbeat Kind = iota
	// KindLog is a log line produced by the worker.
	KindLog
	// KindExit is the terminal event: the worker is gone.
	KindExit
)

// ExitCause classifies a worker termination.
type ExitCause string

const (
	ExitNormal  ExitCause = "normal"
	ExitCrashed ExitCause = "crashed"
	ExitKilled  ExitCause = "killed"
)

// Event is one message on a worker's feed. The supervisor reads the feed
// from a single goroutine; whether a termination counts as a crash is the
// supervisor's call, based on whether it requested the stop.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Level     domain.LogLevel // KindLog
	Message   string          // KindLog, or crash reason on KindExit
	Cause     ExitCause       // KindExit
}

// LaunchConfig is the resolved configuration for one worker launch.
type LaunchConfig struct {
	BotID       string
	Name        string
	Token       string
	Personality *domain.Template
	// Runtime is the materialized key/value settings: template defaults
	// overlaid by the instance's own runtime config.
	Runtime map[string]string
	// HeartbeatInterval is the cadence at which the worker must emit
	// KindHeartbeat while alive.
	HeartbeatInterval time.Duration
}

// Handle is one live worker. Events delivers heartbeats and log lines while
// the worker is alive and terminates with exactly one KindExit event, after
// which the channel is closed. Stop requests graceful termination; if the
// worker has not confirmed exit within grace, it is forcibly terminated.
// Stop always resolves within the grace period plus a small force window.
type Handle interface {
	Events() <-chan Event
	Stop(ctx context.Context, grace time.Duration) error
}

// Runtime launches workers. Launch returns synchronously with a Handle or a
// launch failure; ctx cancellation aborts an in-flight launch.
type Runtime interface {
	Name() string
	Launch(ctx context.Context, cfg LaunchConfig) (Handle, error)
}

func heartbeat() Event {
	return Event{Kind: KindHeartbeat, Timestamp: time.Now().UTC()}
}

func logLine(level domain.LogLevel, message string) Event {
	return Event{Kind: KindLog, Timestamp: time.Now().UTC(), Level: level, Message: message}
}

func exit(cause ExitCause, reason string) Event {
	return Event{Kind: KindExit, Timestamp: time.Now().UTC(), Cause: cause, Message: reason}
}
