package credstore

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/storage/sqlite"
	"github.com/systmms/teamvault/pkg/credential"
)

// ErrRotationInProgress is returned by ClaimRotation when the key already
// has an overlay row.
var ErrRotationInProgress = errors.New("rotation already in progress")

var overlayEncMode = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Overlay is the rotation-scoped view of a credential: both values stay
// retrievable while consumers move from Previous to Active.
type Overlay struct {
	Active    string    `cbor:"1,keyasint"`
	Previous  string    `cbor:"2,keyasint"`
	StartedAt time.Time `cbor:"3,keyasint"`
	// PreviousRotatedAt restores last_rotated when the rotation is reverted.
	PreviousRotatedAt *time.Time `cbor:"4,keyasint,omitempty"`
	// Superseded is set when Store replaced Active mid-rotation. A revert
	// then keeps the stored value.
	Superseded bool `cbor:"5,keyasint,omitempty"`
}

// OverlayState is the unencrypted bookkeeping of an overlay row.
type OverlayState struct {
	Key       credential.Key
	Phase     string
	StartedAt time.Time
	UpdatedAt time.Time
	Staged    bool
}

func overlayAAD(key credential.Key) []byte {
	return []byte("rotation:" + key.String())
}

// ClaimRotation creates the overlay row for key in phase. The primary key
// on the overlay table makes this the per-credential rotation lock.
func (s *Store) ClaimRotation(ctx context.Context, key credential.Key, phase string) (time.Time, error) {
	now := s.clock.Now().UTC()
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM rotation_overlay WHERE scope = ? AND name = ?`, key.Scope, key.Name).Scan(&exists)
		if err == nil {
			return vaulterrors.Rotation("credstore.claim_rotation", key.String(), ErrRotationInProgress)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM credentials WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
			key.Scope, key.Name).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return vaulterrors.NotFound("credstore.claim_rotation", key.String())
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO rotation_overlay (scope, name, phase, started_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			key.Scope, key.Name, phase, sqlite.Time(now), sqlite.Time(now))
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// SetRotationPhase records a phase transition. from must match the stored
// phase so concurrent writers cannot skip a transition.
func (s *Store) SetRotationPhase(ctx context.Context, key credential.Key, from, to string) error {
	res, err := s.db.Writer.ExecContext(ctx,
		`UPDATE rotation_overlay SET phase = ?, updated_at = ? WHERE scope = ? AND name = ? AND phase = ?`,
		to, sqlite.Time(s.clock.Now()), key.Scope, key.Name, from)
	if err != nil {
		return fmt.Errorf("set rotation phase %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return vaulterrors.Rotation("credstore.set_phase", key.String(),
			fmt.Errorf("phase is no longer %q", from))
	}
	return nil
}

// StageRotation atomically records {active: newValue, previous: current}
// in the overlay and swaps the primary value to newValue. It returns the
// previous value.
func (s *Store) StageRotation(ctx context.Context, key credential.Key, newValue, phase string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now().UTC()
	var previous string
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			blob        []byte
			lastRotated sql.NullInt64
			startedAt   int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT ciphertext, last_rotated FROM credentials WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
			key.Scope, key.Name).Scan(&blob, &lastRotated)
		if errors.Is(err, sql.ErrNoRows) {
			return vaulterrors.NotFound("credstore.stage_rotation", key.String())
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`SELECT started_at FROM rotation_overlay WHERE scope = ? AND name = ?`,
			key.Scope, key.Name).Scan(&startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return vaulterrors.Rotation("credstore.stage_rotation", key.String(), errors.New("rotation not claimed"))
		}
		if err != nil {
			return err
		}

		old, err := s.open(key, blob)
		if err != nil {
			return err
		}
		previous = string(old)

		record, err := s.sealOverlay(key, Overlay{
			Active:            newValue,
			Previous:          previous,
			StartedAt:         sqlite.ParseTime(startedAt),
			PreviousRotatedAt: sqlite.ParseNullTime(lastRotated),
		})
		if err != nil {
			return err
		}
		newBlob, err := s.seal(key, []byte(newValue))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE rotation_overlay SET record = ?, phase = ?, updated_at = ? WHERE scope = ? AND name = ?`,
			record, phase, sqlite.Time(now), key.Scope, key.Name); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE credentials SET
				ciphertext = ?, last_rotated = ?, last_updated = ?, rotation_count = rotation_count + 1
			WHERE scope = ? AND name = ?`,
			newBlob, sqlite.Time(now), sqlite.Time(now), key.Scope, key.Name)
		return err
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

// RevertRotation restores the previous value recorded in the overlay and
// deletes the overlay. A value written since staging is kept. Without a
// staged record it only releases the claim.
func (s *Store) RevertRotation(ctx context.Context, key credential.Key) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now().UTC()
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var record []byte
		err := tx.QueryRowContext(ctx,
			`SELECT record FROM rotation_overlay WHERE scope = ? AND name = ?`,
			key.Scope, key.Name).Scan(&record)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if len(record) > 0 {
			ov, err := s.openOverlay(key, record)
			if err != nil {
				return err
			}
			restore, err := s.holdsActive(ctx, tx, key, ov)
			if err != nil {
				return err
			}
			if restore {
				prevBlob, err := s.seal(key, []byte(ov.Previous))
				if err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, `
					UPDATE credentials SET
						ciphertext = ?, last_rotated = ?, last_updated = ?,
						rotation_count = MAX(rotation_count - 1, 0)
					WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
					prevBlob, sqlite.NullTime(ov.PreviousRotatedAt), sqlite.Time(now), key.Scope, key.Name)
				if err != nil {
					return err
				}
			} else {
				s.logger.Warn("Rotation of %s reverted after a newer write, keeping the stored value", key)
				_, err = tx.ExecContext(ctx, `
					UPDATE credentials SET
						last_rotated = ?, rotation_count = MAX(rotation_count - 1, 0)
					WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
					sqlite.NullTime(ov.PreviousRotatedAt), key.Scope, key.Name)
				if err != nil {
					return err
				}
			}
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM rotation_overlay WHERE scope = ? AND name = ?`, key.Scope, key.Name)
		return err
	})
}

// holdsActive reports whether the primary value is still the one the
// rotation staged, so reverting it cannot discard a newer write.
func (s *Store) holdsActive(ctx context.Context, tx *sql.Tx, key credential.Key, ov Overlay) (bool, error) {
	if ov.Superseded {
		return false, nil
	}
	var blob []byte
	err := tx.QueryRowContext(ctx,
		`SELECT ciphertext FROM credentials WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
		key.Scope, key.Name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	current, err := s.open(key, blob)
	if err != nil {
		return false, err
	}
	defer wipe(current)
	return subtle.ConstantTimeCompare(current, []byte(ov.Active)) == 1, nil
}

// supersedeOverlay points an open rotation's Active at value after an
// out-of-band write, so the overlap window validates what is stored.
func (s *Store) supersedeOverlay(ctx context.Context, tx *sql.Tx, key credential.Key, value string) error {
	var record []byte
	err := tx.QueryRowContext(ctx,
		`SELECT record FROM rotation_overlay WHERE scope = ? AND name = ?`,
		key.Scope, key.Name).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(record) == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read overlay %s: %w", key, err)
	}
	ov, err := s.openOverlay(key, record)
	if err != nil {
		return err
	}
	ov.Active = value
	ov.Superseded = true
	sealed, err := s.sealOverlay(key, ov)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE rotation_overlay SET record = ?, updated_at = ? WHERE scope = ? AND name = ?`,
		sealed, sqlite.Time(s.clock.Now()), key.Scope, key.Name)
	return err
}

// FinishRotation deletes the overlay; only the active value remains.
func (s *Store) FinishRotation(ctx context.Context, key credential.Key) error {
	_, err := s.db.Writer.ExecContext(ctx,
		`DELETE FROM rotation_overlay WHERE scope = ? AND name = ?`, key.Scope, key.Name)
	if err != nil {
		return fmt.Errorf("finish rotation %s: %w", key, err)
	}
	return nil
}

// GetOverlay returns the decrypted overlay for key, or NotFound when no
// rotation has staged values.
func (s *Store) GetOverlay(ctx context.Context, key credential.Key) (Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record []byte
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT record FROM rotation_overlay WHERE scope = ? AND name = ?`,
		key.Scope, key.Name).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(record) == 0) {
		return Overlay{}, vaulterrors.NotFound("credstore.get_overlay", key.String())
	}
	if err != nil {
		return Overlay{}, fmt.Errorf("read overlay %s: %w", key, err)
	}
	return s.openOverlay(key, record)
}

// ListOverlays returns the bookkeeping of every open rotation.
func (s *Store) ListOverlays(ctx context.Context) ([]OverlayState, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT scope, name, phase, started_at, updated_at, record IS NOT NULL AND length(record) > 0
		 FROM rotation_overlay ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list overlays: %w", err)
	}
	defer rows.Close()

	var out []OverlayState
	for rows.Next() {
		var (
			st               OverlayState
			started, updated int64
		)
		if err := rows.Scan(&st.Key.Scope, &st.Key.Name, &st.Phase, &started, &updated, &st.Staged); err != nil {
			return nil, err
		}
		st.StartedAt = sqlite.ParseTime(started)
		st.UpdatedAt = sqlite.ParseTime(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) sealOverlay(key credential.Key, ov Overlay) ([]byte, error) {
	if s.cipher == nil {
		return nil, vaulterrors.Crypto("credstore.seal_overlay", key.String(), errors.New("store is closed"))
	}
	plain, err := overlayEncMode.Marshal(ov)
	if err != nil {
		return nil, fmt.Errorf("encode overlay %s: %w", key, err)
	}
	defer wipe(plain)
	blob, err := s.cipher.Seal(plain, overlayAAD(key))
	if err != nil {
		return nil, fmt.Errorf("seal overlay %s: %w", key, err)
	}
	return blob, nil
}

func (s *Store) openOverlay(key credential.Key, blob []byte) (Overlay, error) {
	if s.cipher == nil {
		return Overlay{}, vaulterrors.Crypto("credstore.open_overlay", key.String(), errors.New("store is closed"))
	}
	plain, err := s.cipher.Open(blob, overlayAAD(key))
	if err != nil {
		return Overlay{}, fmt.Errorf("open overlay %s: %w", key, err)
	}
	defer wipe(plain)
	var ov Overlay
	if err := cbor.Unmarshal(plain, &ov); err != nil {
		return Overlay{}, vaulterrors.Crypto("credstore.open_overlay", key.String(), err)
	}
	return ov, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
