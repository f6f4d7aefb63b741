// Package audit records security-relevant events to durable, append-only
// sinks and raises alerts for critical ones.
package audit

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders events by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// ParseSeverity accepts info, warning or critical in any case.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(s)) {
	case SeverityInfo, "":
		return SeverityInfo, nil
	case SeverityWarning:
		return SeverityWarning, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Event types emitted by the vault.
const (
	EventCredentialCreated  = "credential.created"
	EventCredentialAccessed = "credential.accessed"
	EventCredentialUpdated  = "credential.updated"
	EventCredentialDeleted  = "credential.deleted"
	EventCredentialDenied   = "credential.denied"
	EventCredentialExpired  = "credential.expired"

	EventAccessGranted = "access.granted"
	EventAccessRevoked = "access.revoked"

	EventBreakGlassRequested = "breakglass.requested"
	EventBreakGlassUsed      = "breakglass.used"
	EventBreakGlassRejected  = "breakglass.rejected"
	EventBreakGlassCleanup   = "breakglass.cleanup"

	EventRotationPhase     = "rotation.phase"
	EventRotationCompleted = "rotation.completed"
	EventRotationFailed    = "rotation.failed"
	EventRotationRecovered = "rotation.recovered"
	EventEmergencyStarted  = "rotation.emergency_started"
	EventEmergencyFinished = "rotation.emergency_finished"

	EventCryptoFailure = "vault.crypto_failure"
	EventMasterRekey   = "vault.master_rekey"
	EventSecurityAlert = "security.alert"
)

// Event is one audit record. Details must never contain secret values.
type Event struct {
	ID        string            `json:"id" yaml:"id"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Severity  Severity          `json:"severity" yaml:"severity"`
	EventType string            `json:"event_type" yaml:"event_type"`
	Message   string            `json:"message" yaml:"message"`
	Actor     string            `json:"actor,omitempty" yaml:"actor,omitempty"`
	Details   map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
}
