package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/metrics"
)

// GateConfig holds configuration for the health gate.
type GateConfig struct {
	// Interval is how often health checks are performed.
	// Default: 30 seconds
	Interval time.Duration

	// FailureThreshold is the number of consecutive failed rounds that
	// fail the gate.
	// Default: 3
	FailureThreshold int
}

// DefaultGateConfig returns the default gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Interval:         30 * time.Second,
		FailureThreshold: 3,
	}
}

// UnhealthyError reports why a gate failed.
type UnhealthyError struct {
	Failures int
	Messages []string
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("health check failed %d consecutive times: %s", e.Failures, strings.Join(e.Messages, "; "))
}

// Gate runs every registered checker against rollout targets and decides
// whether a wave may proceed.
type Gate struct {
	config   GateConfig
	clock    clock.Clock
	logger   *logging.Logger
	checkers []HealthChecker
	statuses map[string]HealthStatus
	mu       sync.RWMutex
}

// NewGate creates a gate. A nil clock means the wall clock.
func NewGate(config GateConfig, clk clock.Clock, logger *logging.Logger) *Gate {
	if config.Interval <= 0 {
		config.Interval = DefaultGateConfig().Interval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultGateConfig().FailureThreshold
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Gate{
		config:   config,
		clock:    clk,
		logger:   logger,
		statuses: make(map[string]HealthStatus),
	}
}

// RegisterChecker adds a health checker to the gate.
func (g *Gate) RegisterChecker(checker HealthChecker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkers = append(g.checkers, checker)
}

// Checkers returns a copy of the registered checkers.
func (g *Gate) Checkers() []HealthChecker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]HealthChecker(nil), g.checkers...)
}

// Watch checks targets every interval for period. It fails as soon as
// FailureThreshold consecutive rounds are unhealthy. A zero period runs a
// single round, which must pass.
func (g *Gate) Watch(ctx context.Context, targets []Target, period time.Duration) error {
	if len(g.Checkers()) == 0 {
		g.logger.Debug("Health gate has no checkers, passing")
		return nil
	}

	deadline := g.clock.Now().Add(period)
	fails := 0
	for {
		healthy, messages := g.Check(ctx, targets)
		if healthy {
			fails = 0
		} else {
			fails++
			if period <= 0 || fails >= g.config.FailureThreshold {
				return &UnhealthyError{Failures: fails, Messages: messages}
			}
			g.logger.Warn("Health check round failed (%d/%d): %s", fails, g.config.FailureThreshold, strings.Join(messages, "; "))
		}

		remaining := deadline.Sub(g.clock.Now())
		if remaining <= 0 {
			if fails > 0 {
				return &UnhealthyError{Failures: fails, Messages: messages}
			}
			return nil
		}
		wait := g.config.Interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-g.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Check runs one round of every checker against every target.
func (g *Gate) Check(ctx context.Context, targets []Target) (bool, []string) {
	if len(targets) == 0 {
		targets = []Target{{Name: "default"}}
	}

	allHealthy := true
	var failures []string
	for _, target := range targets {
		targetHealthy := true
		for _, checker := range g.Checkers() {
			start := time.Now()
			result, err := checker.Check(ctx, target)
			ok := err == nil && result.Healthy
			metrics.RecordHealthCheck(target.Name, string(checker.Protocol()), ok, time.Since(start).Seconds())
			if ok {
				continue
			}
			targetHealthy = false
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s %s: %v", checker.Name(), target.Name, err))
			} else {
				failures = append(failures, fmt.Sprintf("%s %s: %s", checker.Name(), target.Name, result.Message))
			}
		}

		g.mu.Lock()
		if targetHealthy {
			g.statuses[target.Name] = StatusHealthy
		} else {
			g.statuses[target.Name] = StatusUnhealthy
			allHealthy = false
		}
		g.mu.Unlock()
	}
	return allHealthy, failures
}

// GetStatus returns the last observed status of a target.
func (g *Gate) GetStatus(target string) HealthStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statuses[target]
}
