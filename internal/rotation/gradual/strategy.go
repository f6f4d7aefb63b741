// Package gradual rolls a rotated credential out to consumers in waves,
// gating each wave on health checks.
package gradual

import (
	"context"
	"errors"
	"time"

	"github.com/systmms/teamvault/internal/rotation/health"
)

// ErrNoInstances is returned by Plan when there is nothing to roll out to.
var ErrNoInstances = errors.New("no instances available for rollout")

// Instance is one consumer of a credential, e.g. a Deployment.
type Instance struct {
	// ID is the unique instance identifier.
	ID string

	// Labels are key-value labels for instance selection.
	Labels map[string]string

	// Target is what health checkers inspect for this instance.
	Target health.Target
}

// RolloutWave represents a single phase of gradual rollout.
type RolloutWave struct {
	// Instances lists the instances to refresh in this wave.
	Instances []Instance

	// Percentage is the cumulative share of non-canary instances done
	// after this wave. Zero for the canary wave.
	Percentage int

	// WaitDuration is the time to wait before the next wave.
	WaitDuration time.Duration

	// HealthMonitoringDuration is how long to monitor health after this wave.
	HealthMonitoringDuration time.Duration
}

// Targets returns the health targets of the wave.
func (w RolloutWave) Targets() []health.Target {
	out := make([]health.Target, len(w.Instances))
	for i, inst := range w.Instances {
		out[i] = inst.Target
	}
	return out
}

// WaveExecutor makes the instances of a wave pick up the new value.
type WaveExecutor interface {
	ExecuteWave(ctx context.Context, wave RolloutWave) error
}

// HealthGate blocks until targets proved healthy for period or fails.
type HealthGate interface {
	Watch(ctx context.Context, targets []health.Target, period time.Duration) error
}

// RolloutStatus represents the progress of a rollout.
type RolloutStatus struct {
	// CurrentWave is the index of the last wave started (0-based).
	CurrentWave int

	// TotalWaves is the total number of waves.
	TotalWaves int

	// CompletedInstances lists instances that picked up the new value.
	CompletedInstances []Instance

	// FailedWave is the index of the wave that failed, or -1.
	FailedWave int
}
