package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/systmms/teamvault/internal/logging"
)

// Sink receives audit events. Implementations must be safe for concurrent
// use and must never delete what they have recorded.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// MultiSink delivers every event to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink echoes events to the terminal logger.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Emit(_ context.Context, e Event) error {
	msg := fmt.Sprintf("[%s] %s", e.EventType, e.Message)
	if e.Actor != "" {
		msg += " (actor: " + e.Actor + ")"
	}
	switch e.Severity {
	case SeverityCritical:
		s.Logger.Critical("%s", msg)
	case SeverityWarning:
		s.Logger.Warn("%s", msg)
	default:
		s.Logger.Debug("%s", msg)
	}
	return nil
}

// Auditor stamps and emits events. Emission failures are logged and
// returned; they never hide the operation's own result.
type Auditor struct {
	sink   Sink
	clock  clock.Clock
	logger *logging.Logger
}

// NewAuditor wraps sink. A nil clock means the wall clock.
func NewAuditor(sink Sink, clk clock.Clock, logger *logging.Logger) *Auditor {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Auditor{sink: sink, clock: clk, logger: logger}
}

// Record emits one event.
func (a *Auditor) Record(ctx context.Context, severity Severity, eventType, actor, message string, details map[string]string) error {
	if a == nil || a.sink == nil {
		return nil
	}
	e := Event{
		ID:        uuid.NewString(),
		Timestamp: a.clock.Now().UTC(),
		Severity:  severity,
		EventType: eventType,
		Message:   message,
		Actor:     actor,
		Details:   details,
	}
	// Emission must outlive a caller that has already given up.
	if err := a.sink.Emit(context.WithoutCancel(ctx), e); err != nil {
		a.logger.Error("Failed to record audit event %s: %v", eventType, err)
		return fmt.Errorf("audit %s: %w", eventType, err)
	}
	return nil
}

// Info records an informational event.
func (a *Auditor) Info(ctx context.Context, eventType, actor, message string, details map[string]string) error {
	return a.Record(ctx, SeverityInfo, eventType, actor, message, details)
}

// Warning records a warning event.
func (a *Auditor) Warning(ctx context.Context, eventType, actor, message string, details map[string]string) error {
	return a.Record(ctx, SeverityWarning, eventType, actor, message, details)
}

// Critical records an alert.
func (a *Auditor) Critical(ctx context.Context, eventType, actor, message string, details map[string]string) error {
	return a.Record(ctx, SeverityCritical, eventType, actor, message, details)
}
