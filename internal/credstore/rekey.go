package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/systmms/teamvault/internal/cipher"
	"github.com/systmms/teamvault/internal/storage/sqlite"
	"github.com/systmms/teamvault/pkg/credential"
)

// RotateMasterKey re-encrypts every credential and overlay record under a
// key derived from newSecret with a fresh salt. All rows and the key check
// change in one transaction; reads and writes through this store wait for
// it to finish.
//
// The new key artifact is written to <key>.next before the transaction and
// renamed over the old one after commit, so a crash in between is repaired
// by the next Open.
func (s *Store) RotateMasterKey(ctx context.Context, newSecret []byte) (int, error) {
	artifact, err := cipher.NewKeyArtifact(s.kdf)
	if err != nil {
		return 0, err
	}
	next, err := cipher.Derive(newSecret, artifact)
	if err != nil {
		return 0, err
	}
	check, err := cipher.KeyCheck(next)
	if err != nil {
		next.Destroy()
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := cipher.WriteKeyArtifact(s.pendingKeyPath(), artifact); err != nil {
		next.Destroy()
		return 0, err
	}

	var count int
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := reencryptCredentials(ctx, tx, s.cipher, next)
		if err != nil {
			return err
		}
		count = n
		if err := reencryptOverlays(ctx, tx, s.cipher, next); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE vault_meta SET key_check = ?, rekeyed_at = ? WHERE id = 1`,
			check, sqlite.Time(s.clock.Now()))
		return err
	})
	if err != nil {
		next.Destroy()
		os.Remove(s.pendingKeyPath())
		return 0, fmt.Errorf("rotate master key: %w", err)
	}

	if err := os.Rename(s.pendingKeyPath(), s.keyPath); err != nil {
		// The database already uses the new key. Open will promote the
		// pending artifact, so keep going with the new cipher.
		s.logger.Error("Failed to promote new key artifact: %v", err)
	}

	s.cipher.Destroy()
	s.cipher = next
	s.logger.Info("Rotated master key, re-encrypted %d credentials", count)
	return count, nil
}

type rowBlob struct {
	key  credential.Key
	blob []byte
}

func reencryptCredentials(ctx context.Context, tx *sql.Tx, from, to cipher.Cipher) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT scope, name, ciphertext FROM credentials WHERE deleted_at IS NULL`)
	if err != nil {
		return 0, err
	}
	var all []rowBlob
	for rows.Next() {
		var r rowBlob
		if err := rows.Scan(&r.key.Scope, &r.key.Name, &r.blob); err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range all {
		aad := []byte(r.key.String())
		pt, err := from.Open(r.blob, aad)
		if err != nil {
			return 0, fmt.Errorf("decrypt %s: %w", r.key, err)
		}
		blob, err := to.Seal(pt, aad)
		wipe(pt)
		if err != nil {
			return 0, fmt.Errorf("encrypt %s: %w", r.key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credentials SET ciphertext = ? WHERE scope = ? AND name = ?`,
			blob, r.key.Scope, r.key.Name); err != nil {
			return 0, err
		}
	}
	return len(all), nil
}

func reencryptOverlays(ctx context.Context, tx *sql.Tx, from, to cipher.Cipher) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT scope, name, record FROM rotation_overlay WHERE record IS NOT NULL AND length(record) > 0`)
	if err != nil {
		return err
	}
	var all []rowBlob
	for rows.Next() {
		var r rowBlob
		if err := rows.Scan(&r.key.Scope, &r.key.Name, &r.blob); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range all {
		aad := overlayAAD(r.key)
		pt, err := from.Open(r.blob, aad)
		if err != nil {
			return fmt.Errorf("decrypt overlay %s: %w", r.key, err)
		}
		blob, err := to.Seal(pt, aad)
		wipe(pt)
		if err != nil {
			return fmt.Errorf("encrypt overlay %s: %w", r.key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rotation_overlay SET record = ? WHERE scope = ? AND name = ?`,
			blob, r.key.Scope, r.key.Name); err != nil {
			return err
		}
	}
	return nil
}
