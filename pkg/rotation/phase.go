package rotation

import "fmt"

// Phase is a step of a credential rotation.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseGenerating  Phase = "generating"
	PhaseOverlapping Phase = "overlapping"
	PhaseRollingOut  Phase = "rolling_out"
	PhaseCleaning    Phase = "cleaning"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true for done and failed.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// ValidTransitions defines allowed phase transitions. Failed is reachable
// from every non-terminal phase.
var ValidTransitions = map[Phase][]Phase{
	PhasePending:     {PhaseGenerating, PhaseFailed},
	PhaseGenerating:  {PhaseOverlapping, PhaseFailed},
	PhaseOverlapping: {PhaseRollingOut, PhaseFailed},
	PhaseRollingOut:  {PhaseCleaning, PhaseFailed},
	PhaseCleaning:    {PhaseDone, PhaseFailed},
}

// CanTransitionTo checks if a transition from p to next is valid.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, valid := range ValidTransitions[p] {
		if valid == next {
			return true
		}
	}
	return false
}

// ParsePhase accepts a stored phase name.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhasePending, PhaseGenerating, PhaseOverlapping, PhaseRollingOut, PhaseCleaning, PhaseDone, PhaseFailed:
		return p, nil
	}
	return "", fmt.Errorf("unknown rotation phase %q", s)
}

// rolledOut reports whether a rotation stuck in p already delivered the
// new value downstream, so recovery should finish rather than revert it.
func (p Phase) rolledOut() bool {
	return p == PhaseCleaning || p == PhaseDone
}
