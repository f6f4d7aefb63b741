// Package audittest provides an in-memory audit sink for tests.
package audittest

import (
	"context"
	"sync"

	"github.com/systmms/teamvault/internal/audit"
)

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

// Emit records e, or returns the error set with FailWith.
func (r *Recorder) Emit(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

// FailWith makes subsequent Emit calls fail.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []audit.Event {
	var out []audit.Event
	for _, e := range r.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of eventType were recorded.
func (r *Recorder) Count(eventType string) int {
	return len(r.OfType(eventType))
}
