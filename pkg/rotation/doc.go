// Package rotation replaces credential values on a schedule or on demand
// without a window in which consumers hold a value the vault rejects.
//
// # Lifecycle
//
// Every rotation walks one credential through a fixed phase machine:
//
//	pending ─► generating ─► overlapping ─► rolling_out ─► cleaning ─► done
//	   │            │             │              │             │
//	   └────────────┴─────────────┴──────────────┴─────────────┴──► failed
//
// The phases are:
//
//   - pending: the overlay row is claimed. Its primary key is the
//     per-credential rotation lock, so a second rotation of the same
//     credential fails immediately.
//   - generating: the type's Generator produces the new value.
//   - overlapping: one transaction stores {active: new, previous: old}
//     in the overlay and swaps the primary value. Both values validate.
//   - rolling_out: direct credentials are acknowledged at once. Cluster
//     credentials are published to the team's Secret and its workloads
//     are restarted in health-gated canary waves. A failed rollout
//     restores the previous value everywhere and ends in failed.
//   - cleaning: the grace period elapses on the injected clock with no
//     lock held, then the overlay is deleted.
//   - done: a completed event is published; registered hooks receive it
//     as independent subscribers.
//
// # Type strategies
//
// Dispatch over credential.Type is a closed table: every type must have a
// period, a generator and a rollout kind, and NewManager refuses a table
// with gaps.
//
// # Crash recovery
//
// A cancelled grace wait leaves the overlay row in place with the new
// value active. Recover finishes rotations that reached cleaning and
// reverts the ones that stopped earlier.
package rotation
