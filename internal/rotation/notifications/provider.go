// Package notifications fans rotation events out to subscribers.
package notifications

import (
	"context"
)

// NotificationProvider receives rotation events.
type NotificationProvider interface {
	// Name identifies the provider in logs.
	Name() string

	// Send delivers the event. Errors are logged, never propagated to the
	// rotation that produced the event.
	Send(ctx context.Context, event RotationEvent) error

	// SupportsEvent returns true if this provider handles the given event type.
	SupportsEvent(eventType EventType) bool
}
