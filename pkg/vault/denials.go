package vault

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Repeated denials of the same credential to the same team inside
// DenialWindow raise a security alert once DenialThreshold is reached.
const (
	DenialWindow    = time.Hour
	DenialThreshold = 3
)

type denialTracker struct {
	clock     clock.Clock
	window    time.Duration
	threshold int

	mu        sync.Mutex
	seen      map[string][]time.Time
	lastSweep time.Time
}

func newDenialTracker(clk clock.Clock, window time.Duration, threshold int) *denialTracker {
	return &denialTracker{
		clock:     clk,
		window:    window,
		threshold: threshold,
		seen:      make(map[string][]time.Time),
		lastSweep: clk.Now(),
	}
}

// record notes a denial and returns how many fall inside the window.
func (d *denialTracker) record(team, name string) int {
	now := d.clock.Now()
	cutoff := now.Add(-d.window)
	k := team + "\x00" + name

	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.seen[k][:0]
	for _, at := range d.seen[k] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	d.seen[k] = kept

	if now.Sub(d.lastSweep) >= d.window {
		d.sweep(cutoff)
		d.lastSweep = now
	}
	return len(kept)
}

// sweep drops pairs with no denial after cutoff. Entries are appended in
// time order, so the newest is last.
func (d *denialTracker) sweep(cutoff time.Time) {
	for k, times := range d.seen {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(d.seen, k)
		}
	}
}
