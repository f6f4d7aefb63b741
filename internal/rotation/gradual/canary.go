package gradual

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/systmms/teamvault/internal/logging"
)

// CanaryLabel marks the preferred canary instance.
const CanaryLabel = "teamvault.dev/canary"

// CanaryConfig holds canary-specific configuration.
type CanaryConfig struct {
	// HealthMonitoringDuration is how long to monitor the canary before proceeding.
	HealthMonitoringDuration time.Duration

	// Waves defines the rollout waves after canary (e.g., 10%, 50%, 100%).
	Waves []WavePercentage
}

// WavePercentage defines a rollout wave by cumulative percentage.
type WavePercentage struct {
	Percentage               int
	HealthMonitoringDuration time.Duration
	WaitDuration             time.Duration
}

// DefaultCanaryConfig returns the default canary configuration.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		HealthMonitoringDuration: 5 * time.Minute,
		Waves: []WavePercentage{
			{Percentage: 10, HealthMonitoringDuration: 5 * time.Minute},
			{Percentage: 50, HealthMonitoringDuration: 5 * time.Minute},
			{Percentage: 100, HealthMonitoringDuration: 5 * time.Minute},
		},
	}
}

// Validate checks wave percentages are increasing and end at 100.
func (c CanaryConfig) Validate() error {
	last := 0
	for i, w := range c.Waves {
		if w.Percentage <= last || w.Percentage > 100 {
			return fmt.Errorf("canary wave %d: percentage %d must be greater than %d and at most 100", i+1, w.Percentage, last)
		}
		last = w.Percentage
	}
	if len(c.Waves) > 0 && last != 100 {
		return fmt.Errorf("last canary wave must reach 100%%, got %d%%", last)
	}
	return nil
}

// CanaryStrategy refreshes a single canary instance first, monitors health,
// then proceeds with the remaining instances in waves.
type CanaryStrategy struct {
	config CanaryConfig
	gate   HealthGate
	clock  clock.Clock
	logger *logging.Logger
}

// NewCanaryStrategy creates a new canary rollout strategy. gate may be nil
// to skip health monitoring.
func NewCanaryStrategy(config CanaryConfig, gate HealthGate, clk clock.Clock, logger *logging.Logger) *CanaryStrategy {
	if len(config.Waves) == 0 {
		config.Waves = DefaultCanaryConfig().Waves
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &CanaryStrategy{config: config, gate: gate, clock: clk, logger: logger}
}

// Name returns the strategy name.
func (s *CanaryStrategy) Name() string {
	return "canary"
}

// Plan generates the rollout waves. Wave 0 is the canary; the remaining
// instances follow in the configured cumulative percentages.
func (s *CanaryStrategy) Plan(instances []Instance) ([]RolloutWave, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	canaryIdx := findCanaryInstance(instances)
	remaining := make([]Instance, 0, len(instances)-1)
	for i, inst := range instances {
		if i != canaryIdx {
			remaining = append(remaining, inst)
		}
	}

	waves := []RolloutWave{{
		Instances:                []Instance{instances[canaryIdx]},
		HealthMonitoringDuration: s.config.HealthMonitoringDuration,
	}}
	waves = append(waves, calculateWaves(remaining, s.config.Waves)...)

	s.logger.Debug("Canary rollout plan: canary=%s, remaining=%d, waves=%d",
		instances[canaryIdx].ID, len(remaining), len(waves))
	return waves, nil
}

// Execute runs the plan. On failure the returned status lists every
// instance that already picked up the new value so the caller can undo
// exactly those.
func (s *CanaryStrategy) Execute(ctx context.Context, plan []RolloutWave, exec WaveExecutor) (RolloutStatus, error) {
	status := RolloutStatus{TotalWaves: len(plan), FailedWave: -1}
	if err := ctx.Err(); err != nil {
		return status, err
	}
	if len(plan) == 0 {
		return status, fmt.Errorf("no waves in rollout plan")
	}

	for i, wave := range plan {
		status.CurrentWave = i
		label := fmt.Sprintf("wave %d/%d", i+1, len(plan))
		if i == 0 {
			label = "canary"
		}
		s.logger.Info("Rolling out %s: %d instances", label, len(wave.Instances))

		if err := exec.ExecuteWave(ctx, wave); err != nil {
			status.FailedWave = i
			return status, fmt.Errorf("%s failed: %w", label, err)
		}
		status.CompletedInstances = append(status.CompletedInstances, wave.Instances...)

		if s.gate != nil {
			if err := s.gate.Watch(ctx, wave.Targets(), wave.HealthMonitoringDuration); err != nil {
				status.FailedWave = i
				s.logger.Error("Health check failed after %s: %v", label, err)
				return status, fmt.Errorf("%s health check failed: %w", label, err)
			}
		}

		if wave.WaitDuration > 0 && i < len(plan)-1 {
			s.logger.Debug("Waiting %s before next wave", wave.WaitDuration)
			select {
			case <-s.clock.After(wave.WaitDuration):
			case <-ctx.Done():
				return status, ctx.Err()
			}
		}
	}

	s.logger.Info("Canary rollout completed: %d instances", len(status.CompletedInstances))
	return status, nil
}

// findCanaryInstance returns the index of the instance labelled as canary,
// otherwise the first instance.
func findCanaryInstance(instances []Instance) int {
	for i, inst := range instances {
		if inst.Labels[CanaryLabel] == "true" {
			return i
		}
	}
	return 0
}

// calculateWaves splits instances by cumulative percentage. Every wave
// takes at least one instance and the last wave takes the rest.
func calculateWaves(instances []Instance, percentages []WavePercentage) []RolloutWave {
	total := len(instances)
	var waves []RolloutWave
	done := 0

	for _, wp := range percentages {
		if done >= total {
			break
		}
		target := (total*wp.Percentage + 99) / 100
		if target <= done {
			target = done + 1
		}
		if target > total {
			target = total
		}
		waves = append(waves, RolloutWave{
			Instances:                append([]Instance(nil), instances[done:target]...),
			Percentage:               wp.Percentage,
			WaitDuration:             wp.WaitDuration,
			HealthMonitoringDuration: wp.HealthMonitoringDuration,
		})
		done = target
	}

	if done < total {
		var monitor time.Duration
		if len(percentages) > 0 {
			monitor = percentages[len(percentages)-1].HealthMonitoringDuration
		}
		waves = append(waves, RolloutWave{
			Instances:                append([]Instance(nil), instances[done:]...),
			Percentage:               100,
			HealthMonitoringDuration: monitor,
		})
	}
	return waves
}
