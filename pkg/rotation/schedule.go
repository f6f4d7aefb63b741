package rotation

import (
	"context"
	"sort"
	"time"

	"github.com/systmms/teamvault/pkg/credential"
)

// ScheduleEntry is one line of the rotation schedule.
type ScheduleEntry struct {
	Credential   string          `json:"credential" yaml:"credential"`
	Team         string          `json:"team" yaml:"team"`
	Type         credential.Type `json:"type" yaml:"type"`
	LastRotated  *time.Time      `json:"last_rotated" yaml:"last_rotated"`
	NextRotation time.Time       `json:"next_rotation" yaml:"next_rotation"`
	Overdue      bool            `json:"overdue" yaml:"overdue"`
}

// GetRotationSchedule lists every credential with its next rotation,
// soonest first. Credentials that never rotated are due now; the rest
// become overdue once their period has strictly elapsed.
func (m *Manager) GetRotationSchedule(ctx context.Context) ([]ScheduleEntry, error) {
	all, err := m.store.ListMetadata(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	entries := make([]ScheduleEntry, 0, len(all))
	for _, meta := range all {
		next := now
		if meta.LastRotated != nil {
			if st, ok := m.strategies[meta.Type]; ok {
				next = meta.LastRotated.Add(st.Period)
			}
		}
		entries = append(entries, ScheduleEntry{
			Credential:   meta.Key.Name,
			Team:         meta.Key.Scope,
			Type:         meta.Type,
			LastRotated:  meta.LastRotated,
			NextRotation: next,
			Overdue:      m.isDue(meta, now),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].NextRotation.Equal(entries[j].NextRotation) {
			return entries[i].NextRotation.Before(entries[j].NextRotation)
		}
		if entries[i].Team != entries[j].Team {
			return entries[i].Team < entries[j].Team
		}
		return entries[i].Credential < entries[j].Credential
	})
	return entries, nil
}
