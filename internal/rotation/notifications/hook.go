package notifications

import (
	"context"
	"fmt"
)

// HookFunc is a callback run after a credential rotates. It receives the
// new value so it can push it to a dependent system.
type HookFunc func(ctx context.Context, event RotationEvent, newValue string) error

// ValueSource resolves the current value for an event at delivery time so
// values never travel through the event itself.
type ValueSource func(ctx context.Context, event RotationEvent) (string, error)

// HookProvider adapts a HookFunc registered for one credential type.
type HookProvider struct {
	name           string
	credentialType string
	hook           HookFunc
	values         ValueSource
}

// NewHookProvider subscribes hook to completed rotations of credType.
func NewHookProvider(name, credType string, hook HookFunc, values ValueSource) *HookProvider {
	return &HookProvider{name: name, credentialType: credType, hook: hook, values: values}
}

// Name returns the hook name.
func (h *HookProvider) Name() string {
	return "hook:" + h.name
}

// SupportsEvent returns true only for completed rotations.
func (h *HookProvider) SupportsEvent(eventType EventType) bool {
	return eventType == EventTypeCompleted
}

// Send runs the hook when the event matches its credential type.
func (h *HookProvider) Send(ctx context.Context, event RotationEvent) error {
	if event.CredentialType != h.credentialType {
		return nil
	}
	value, err := h.values(ctx, event)
	if err != nil {
		return fmt.Errorf("resolve value for %s:%s: %w", event.Scope, event.Name, err)
	}
	return h.hook(ctx, event, value)
}
