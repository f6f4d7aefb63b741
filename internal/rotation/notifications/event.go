package notifications

import (
	"time"
)

// EventType represents the type of rotation event.
type EventType string

const (
	// EventTypeStarted indicates a rotation has started.
	EventTypeStarted EventType = "started"

	// EventTypeCompleted indicates a rotation has completed successfully.
	EventTypeCompleted EventType = "completed"

	// EventTypeFailed indicates a rotation has failed.
	EventTypeFailed EventType = "failed"

	// EventTypeRollback indicates a staged value was reverted.
	EventTypeRollback EventType = "rollback"
)

// RotationStatus represents the outcome status of a rotation.
type RotationStatus string

const (
	StatusSuccess    RotationStatus = "success"
	StatusFailure    RotationStatus = "failure"
	StatusRolledBack RotationStatus = "rolled_back"
)

// RotationEvent describes one rotation lifecycle step. It never carries
// credential values.
type RotationEvent struct {
	Type EventType

	// Scope is the owning team, or "global".
	Scope string

	// Name is the credential name.
	Name string

	// CredentialType is the credential.Type string.
	CredentialType string

	// Rollout is "direct" or "cluster".
	Rollout string

	Status RotationStatus

	// Error is set for failed and rollback events.
	Error error

	Duration time.Duration

	Metadata map[string]string

	Timestamp time.Time

	// Trigger is scheduled, manual or emergency.
	Trigger string
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeStarted,
		EventTypeCompleted,
		EventTypeFailed,
		EventTypeRollback,
	}
}
