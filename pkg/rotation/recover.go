package rotation

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/teamvault/internal/audit"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/rotation/notifications"
	"github.com/systmms/teamvault/pkg/credential"
)

// RecoverySummary lists the overlays Recover resolved.
type RecoverySummary struct {
	Finished []string
	Reverted []string
	Failed   []string
}

// Recover resolves overlays left behind by interrupted rotations. Rows
// that already rolled out are finished; rows stuck earlier are reverted.
// Rotations still running in this process and rows updated within
// StaleAfter are left alone.
func (m *Manager) Recover(ctx context.Context) (RecoverySummary, error) {
	var summary RecoverySummary
	states, err := m.store.ListOverlays(ctx)
	if err != nil {
		return summary, err
	}
	now := m.clock.Now()
	for _, st := range states {
		if m.isActive(st.Key) || now.Sub(st.UpdatedAt) < m.opts.StaleAfter {
			continue
		}
		phase, err := ParsePhase(st.Phase)
		if err != nil {
			m.logger.Warn("Overlay for %s has %v, reverting", st.Key, err)
			phase = PhasePending
		}

		if phase.rolledOut() {
			err = m.recoverFinish(ctx, st.Key)
			if err == nil {
				summary.Finished = append(summary.Finished, st.Key.String())
			}
		} else {
			err = m.recoverRevert(ctx, st.Key, phase)
			if err == nil {
				summary.Reverted = append(summary.Reverted, st.Key.String())
			}
		}
		if err != nil {
			m.logger.Error("Failed to recover rotation of %s: %v", st.Key, err)
			summary.Failed = append(summary.Failed, st.Key.String())
			continue
		}
		action := "finished"
		if !phase.rolledOut() {
			action = "reverted"
		}
		_ = m.auditor.Warning(ctx, audit.EventRotationRecovered, "system",
			fmt.Sprintf("recovered interrupted rotation of %s (%s)", st.Key, action),
			map[string]string{"credential": st.Key.String(), "phase": st.Phase, "action": action})
	}
	if n := len(summary.Finished) + len(summary.Reverted); n > 0 {
		m.logger.Info("Recovered %d interrupted rotations", n)
	}
	return summary, nil
}

func (m *Manager) recoverFinish(ctx context.Context, key credential.Key) error {
	if err := m.store.FinishRotation(ctx, key); err != nil {
		return err
	}
	meta, err := m.store.GetMetadata(ctx, key)
	if errors.Is(err, vaulterrors.ErrNotFound) {
		// Deleted while the overlay was open; nothing to notify.
		return nil
	}
	if err != nil {
		return err
	}
	now := m.clock.Now()
	m.bus.Publish(ctx, notifications.RotationEvent{
		Type:           notifications.EventTypeCompleted,
		Scope:          key.Scope,
		Name:           key.Name,
		CredentialType: string(meta.Type),
		Status:         notifications.StatusSuccess,
		Timestamp:      now,
		Trigger:        TriggerRecovery,
	})
	return nil
}

func (m *Manager) recoverRevert(ctx context.Context, key credential.Key, phase Phase) error {
	if err := m.store.RevertRotation(ctx, key); err != nil {
		return err
	}
	if phase == PhaseRollingOut && m.opts.Cluster != nil && !key.IsGlobal() {
		rctx, cancel := context.WithTimeout(ctx, m.opts.RolloutTimeout)
		defer cancel()
		if err := m.opts.Cluster.Restore(rctx, key); err != nil {
			m.logger.Warn("Failed to restore cluster bundle for %s: %v", key, err)
		}
	}
	return nil
}
