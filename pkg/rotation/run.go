package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/teamvault/internal/audit"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/metrics"
	"github.com/systmms/teamvault/internal/rotation/notifications"
	"github.com/systmms/teamvault/pkg/credential"
)

// run is one rotation of one credential.
type run struct {
	m        *Manager
	key      credential.Key
	credType credential.Type
	strategy TypeStrategy
	trigger  string
	phase    Phase
	started  time.Time
	staged   bool
}

func (m *Manager) rotate(ctx context.Context, key credential.Key, trigger string, grace time.Duration) error {
	meta, err := m.store.GetMetadata(ctx, key)
	if err != nil {
		return err
	}
	strategy, ok := m.strategies[meta.Type]
	if !ok {
		return vaulterrors.Rotation("rotation.rotate", key.String(),
			fmt.Errorf("no strategy for type %s", meta.Type))
	}

	if _, err := m.store.ClaimRotation(ctx, key, string(PhasePending)); err != nil {
		return err
	}
	m.markActive(key)
	defer m.clearActive(key)

	r := &run{
		m:        m,
		key:      key,
		credType: meta.Type,
		strategy: strategy,
		trigger:  trigger,
		phase:    PhasePending,
		started:  m.clock.Now(),
	}
	metrics.RecordRotationStarted(string(r.credType), trigger)
	m.logger.Info("Rotating %s (%s, %s)", key, r.credType, trigger)
	r.audit(ctx, "", PhasePending)
	m.bus.Send(ctx, r.event(notifications.EventTypeStarted, "", nil))

	if err := r.advance(ctx, PhaseGenerating); err != nil {
		return r.fail(ctx, err, false)
	}
	genCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	value, err := strategy.Generate(genCtx)
	cancel()
	if err != nil {
		return r.fail(ctx, vaulterrors.External("rotation.generate", key.String(), err), false)
	}
	if value == "" {
		return r.fail(ctx, fmt.Errorf("generator for %s returned an empty value", r.credType), false)
	}

	if _, err := m.store.StageRotation(ctx, key, value, string(PhaseOverlapping)); err != nil {
		return r.fail(ctx, err, false)
	}
	r.staged = true
	r.moved(ctx, PhaseOverlapping)

	if err := r.advance(ctx, PhaseRollingOut); err != nil {
		return r.fail(ctx, err, false)
	}
	if r.usesCluster() {
		rctx, cancel := context.WithTimeout(ctx, m.opts.RolloutTimeout)
		err := m.opts.Cluster.Rollout(rctx, key)
		cancel()
		if err != nil {
			return r.fail(ctx, vaulterrors.External("rotation.rollout", key.String(), err), true)
		}
	}

	if err := r.advance(ctx, PhaseCleaning); err != nil {
		return r.fail(ctx, err, r.usesCluster())
	}
	if grace > 0 {
		select {
		case <-m.clock.After(grace):
		case <-ctx.Done():
			// The new value is live and the previous one stays readable;
			// Recover finishes the cleanup later.
			m.logger.Warn("Grace wait for %s cancelled, leaving overlap open", key)
			return vaulterrors.Rotation("rotation.cleanup", key.String(), ctx.Err())
		}
	}

	return r.finish(context.WithoutCancel(ctx))
}

func (r *run) usesCluster() bool {
	return r.strategy.Rollout == RolloutCluster && !r.key.IsGlobal() && r.m.opts.Cluster != nil
}

func (r *run) rollout() RolloutKind {
	if r.usesCluster() {
		return RolloutCluster
	}
	return RolloutDirect
}

// advance persists the transition from the current phase to next.
func (r *run) advance(ctx context.Context, next Phase) error {
	if !r.phase.CanTransitionTo(next) {
		return vaulterrors.Rotation("rotation.transition", r.key.String(),
			fmt.Errorf("invalid transition %s -> %s", r.phase, next))
	}
	if err := r.m.store.SetRotationPhase(ctx, r.key, string(r.phase), string(next)); err != nil {
		return err
	}
	r.moved(ctx, next)
	return nil
}

// moved records a transition already persisted by the store.
func (r *run) moved(ctx context.Context, next Phase) {
	from := r.phase
	r.phase = next
	r.audit(ctx, from, next)
}

func (r *run) audit(ctx context.Context, from, to Phase) {
	details := map[string]string{
		"credential": r.key.String(),
		"type":       string(r.credType),
		"trigger":    r.trigger,
		"to":         string(to),
	}
	if from != "" {
		details["from"] = string(from)
	}
	_ = r.m.auditor.Info(ctx, audit.EventRotationPhase, "system",
		fmt.Sprintf("rotation of %s entered %s", r.key, to), details)
}

func (r *run) finish(ctx context.Context) error {
	if err := r.m.store.FinishRotation(ctx, r.key); err != nil {
		return r.fail(ctx, err, false)
	}
	r.moved(ctx, PhaseDone)

	elapsed := r.m.clock.Now().Sub(r.started)
	metrics.RecordRotationCompleted(string(r.credType), string(notifications.StatusSuccess), elapsed.Seconds())
	r.m.logger.Info("Rotated %s in %s", r.key, elapsed)
	_ = r.m.auditor.Info(ctx, audit.EventRotationCompleted, "system",
		fmt.Sprintf("rotated %s", r.key),
		map[string]string{"credential": r.key.String(), "type": string(r.credType), "trigger": r.trigger})

	r.m.bus.Publish(ctx, r.event(notifications.EventTypeCompleted, notifications.StatusSuccess, nil))
	return nil
}

// fail undoes a staged value and ends the run in the failed phase. The
// cleanup writes ignore the caller's cancellation.
func (r *run) fail(ctx context.Context, cause error, restoreCluster bool) error {
	ctx = context.WithoutCancel(ctx)
	from := r.phase

	if err := r.m.store.RevertRotation(ctx, r.key); err != nil {
		r.m.logger.Error("Failed to revert %s: %v", r.key, err)
	}
	if restoreCluster {
		rctx, cancel := context.WithTimeout(ctx, r.m.opts.RolloutTimeout)
		if err := r.m.opts.Cluster.Restore(rctx, r.key); err != nil {
			r.m.logger.Warn("Failed to restore cluster bundle for %s: %v", r.key, err)
		}
		cancel()
	}
	r.phase = PhaseFailed
	r.audit(ctx, from, PhaseFailed)

	elapsed := r.m.clock.Now().Sub(r.started)
	status := notifications.StatusFailure
	if r.staged {
		status = notifications.StatusRolledBack
		metrics.RecordRollback(string(r.credType), string(from))
	}
	metrics.RecordRotationCompleted(string(r.credType), string(status), elapsed.Seconds())

	r.m.logger.Error("Rotation of %s failed in %s: %v", r.key, from, cause)
	_ = r.m.auditor.Warning(ctx, audit.EventRotationFailed, "system",
		fmt.Sprintf("rotation of %s failed during %s", r.key, from),
		map[string]string{
			"credential": r.key.String(),
			"type":       string(r.credType),
			"trigger":    r.trigger,
			"phase":      string(from),
			"error":      cause.Error(),
		})

	eventType := notifications.EventTypeFailed
	if r.staged {
		eventType = notifications.EventTypeRollback
	}
	r.m.bus.Send(ctx, r.event(eventType, status, cause))
	return vaulterrors.Rotation("rotation.rotate", r.key.String(), cause)
}

func (r *run) event(t notifications.EventType, status notifications.RotationStatus, err error) notifications.RotationEvent {
	now := r.m.clock.Now()
	return notifications.RotationEvent{
		Type:           t,
		Scope:          r.key.Scope,
		Name:           r.key.Name,
		CredentialType: string(r.credType),
		Rollout:        string(r.rollout()),
		Status:         status,
		Error:          err,
		Duration:       now.Sub(r.started),
		Timestamp:      now,
		Trigger:        r.trigger,
	}
}
