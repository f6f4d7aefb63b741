// Package credstore persists credential values encrypted at rest together
// with their plaintext metadata.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/clock"

	"github.com/systmms/teamvault/internal/cipher"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/storage/sqlite"
	"github.com/systmms/teamvault/pkg/credential"
)

// Store is the encrypted credential store. Values are sealed with the
// vault cipher and bound to their key; metadata stays queryable.
type Store struct {
	db      *sqlite.DB
	clock   clock.Clock
	logger  *logging.Logger
	keyPath string
	kdf     cipher.KDFParams

	// mu guards cipher. Readers and writers hold it shared for the whole
	// seal/open plus statement; RotateMasterKey holds it exclusively.
	mu     sync.RWMutex
	cipher *cipher.XChaCha
}

// Options configures Open.
type Options struct {
	// KeyPath is the key artifact location, normally <data_dir>/vault.key.
	KeyPath string
	KDF     cipher.KDFParams
	Clock   clock.Clock
	Logger  *logging.Logger
}

// StoreOptions carries the metadata written alongside a value.
type StoreOptions struct {
	// Type defaults to the existing type on overwrite and to api_key for
	// new credentials.
	Type       credential.Type
	OwnerTeam  string
	ExpiresAt  *time.Time
	Attributes map[string]string
}

// Open unlocks the vault at db with masterSecret. A fresh database is
// initialised with a new key artifact; an existing one must match the
// artifact on disk or a crypto failure is returned.
func Open(ctx context.Context, db *sqlite.DB, masterSecret []byte, opts Options) (*Store, error) {
	if opts.KeyPath == "" {
		return nil, errors.New("credstore: key path is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.KDF == (cipher.KDFParams{}) {
		opts.KDF = cipher.DefaultKDFParams()
	}

	s := &Store{
		db:      db,
		clock:   opts.Clock,
		logger:  opts.Logger,
		keyPath: opts.KeyPath,
		kdf:     opts.KDF,
	}

	check, err := s.loadKeyCheck(ctx)
	if err != nil {
		return nil, err
	}
	if check == nil {
		if err := s.initialise(ctx, masterSecret); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.unlock(masterSecret, check); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadKeyCheck(ctx context.Context) ([]byte, error) {
	var check []byte
	err := s.db.Reader.QueryRowContext(ctx, `SELECT key_check FROM vault_meta WHERE id = 1`).Scan(&check)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault metadata: %w", err)
	}
	return check, nil
}

func (s *Store) initialise(ctx context.Context, masterSecret []byte) error {
	artifact, err := cipher.LoadKeyArtifact(s.keyPath)
	if errors.Is(err, os.ErrNotExist) {
		artifact, err = cipher.NewKeyArtifact(s.kdf)
		if err != nil {
			return err
		}
		if err := cipher.WriteKeyArtifact(s.keyPath, artifact); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	c, err := cipher.Derive(masterSecret, artifact)
	if err != nil {
		return err
	}
	check, err := cipher.KeyCheck(c)
	if err != nil {
		c.Destroy()
		return err
	}
	_, err = s.db.Writer.ExecContext(ctx,
		`INSERT INTO vault_meta (id, key_check, created_at) VALUES (1, ?, ?)`,
		check, sqlite.Time(s.clock.Now()))
	if err != nil {
		c.Destroy()
		return fmt.Errorf("initialise vault: %w", err)
	}
	s.cipher = c
	s.logger.Info("Initialised new vault (key artifact %s)", s.keyPath)
	return nil
}

// unlock derives the cipher from the current artifact. If that does not
// match the database and a pending artifact from an interrupted rekey
// does, the pending artifact is promoted.
func (s *Store) unlock(masterSecret, check []byte) error {
	tryArtifact := func(p string) (*cipher.XChaCha, error) {
		a, err := cipher.LoadKeyArtifact(p)
		if err != nil {
			return nil, err
		}
		c, err := cipher.Derive(masterSecret, a)
		if err != nil {
			return nil, err
		}
		if err := cipher.Verify(c, check); err != nil {
			c.Destroy()
			return nil, err
		}
		return c, nil
	}

	c, err := tryArtifact(s.keyPath)
	if err == nil {
		s.cipher = c
		return nil
	}

	pending := s.pendingKeyPath()
	if _, statErr := os.Stat(pending); statErr == nil {
		c, pendingErr := tryArtifact(pending)
		if pendingErr == nil {
			if err := os.Rename(pending, s.keyPath); err != nil {
				c.Destroy()
				return fmt.Errorf("promote pending key artifact: %w", err)
			}
			s.logger.Warn("Recovered interrupted master key rotation")
			s.cipher = c
			return nil
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("key artifact %s is missing for an initialised vault: %w", s.keyPath, err)
	}
	return err
}

func (s *Store) pendingKeyPath() string {
	return s.keyPath + ".next"
}

// Close wipes the in-memory key. The database is owned by the caller.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher != nil {
		s.cipher.Destroy()
		s.cipher = nil
	}
}

// Store creates or overwrites the credential at key. created_at is kept on
// overwrite; last_updated is refreshed.
func (s *Store) Store(ctx context.Context, key credential.Key, value string, opts StoreOptions) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if opts.Type != "" && !opts.Type.Valid() {
		return fmt.Errorf("unknown credential type %q", opts.Type)
	}
	attrs, err := encodeAttributes(opts.Attributes)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, err := s.seal(key, []byte(value))
	if err != nil {
		return err
	}

	now := sqlite.Time(s.clock.Now())
	owner := opts.OwnerTeam
	if owner == "" {
		owner = key.Team()
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var existingType string
		var deletedAt sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT type, deleted_at FROM credentials WHERE scope = ? AND name = ?`,
			key.Scope, key.Name).Scan(&existingType, &deletedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			typ := opts.Type
			if typ == "" {
				typ = credential.TypeAPIKey
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO credentials
					(scope, name, ciphertext, type, owner_team, attributes, created_at, last_updated, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				key.Scope, key.Name, blob, string(typ), owner, attrs, now, now, sqlite.NullTime(opts.ExpiresAt))
		case err != nil:
			return fmt.Errorf("read credential %s: %w", key, err)
		case deletedAt.Valid:
			// A store after delete starts a new credential.
			typ := opts.Type
			if typ == "" {
				typ = credential.TypeAPIKey
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE credentials SET
					ciphertext = ?, type = ?, owner_team = ?, attributes = ?,
					created_at = ?, last_updated = ?, expires_at = ?,
					last_rotated = NULL, last_accessed = NULL, rotation_count = 0, deleted_at = NULL
				WHERE scope = ? AND name = ?`,
				blob, string(typ), owner, attrs, now, now, sqlite.NullTime(opts.ExpiresAt), key.Scope, key.Name)
		default:
			typ := opts.Type
			if typ == "" {
				typ = credential.Type(existingType)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE credentials SET
					ciphertext = ?, type = ?, owner_team = ?, attributes = COALESCE(?, attributes),
					last_updated = ?, expires_at = ?
				WHERE scope = ? AND name = ?`,
				blob, string(typ), owner, attrs, now, sqlite.NullTime(opts.ExpiresAt), key.Scope, key.Name)
			if err == nil {
				err = s.supersedeOverlay(ctx, tx, key, value)
			}
		}
		if err != nil {
			return fmt.Errorf("store credential %s: %w", key, err)
		}
		return nil
	})
}

// Retrieve decrypts and returns the value at key.
func (s *Store) Retrieve(ctx context.Context, key credential.Key) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT ciphertext FROM credentials WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
		key.Scope, key.Name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vaulterrors.NotFound("credstore.retrieve", key.String())
	}
	if err != nil {
		return "", fmt.Errorf("retrieve credential %s: %w", key, err)
	}

	pt, err := s.open(key, blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Delete logically deletes the credential and wipes its ciphertext. It
// reports whether a live credential existed. Any rotation overlay for the
// key is dropped with it.
func (s *Store) Delete(ctx context.Context, key credential.Key) (bool, error) {
	var deleted bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE credentials SET ciphertext = x'', deleted_at = ? WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
			sqlite.Time(s.clock.Now()), key.Scope, key.Name)
		if err != nil {
			return fmt.Errorf("delete credential %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n == 1
		_, err = tx.ExecContext(ctx, `DELETE FROM rotation_overlay WHERE scope = ? AND name = ?`, key.Scope, key.Name)
		return err
	})
	return deleted, err
}

// ListKeys returns live keys whose "scope:name" form matches the shell glob
// pattern. An empty pattern matches everything.
func (s *Store) ListKeys(ctx context.Context, pattern string) ([]credential.Key, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT scope, name FROM credentials WHERE deleted_at IS NULL ORDER BY scope, name`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var keys []credential.Key
	for rows.Next() {
		var k credential.Key
		if err := rows.Scan(&k.Scope, &k.Name); err != nil {
			return nil, err
		}
		if pattern != "" {
			if ok, _ := path.Match(pattern, k.String()); !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

const metadataColumns = `scope, name, type, owner_team, attributes, created_at, last_updated,
	last_rotated, last_accessed, expires_at, rotation_count`

// GetMetadata returns the metadata for key without decrypting the value.
func (s *Store) GetMetadata(ctx context.Context, key credential.Key) (credential.Metadata, error) {
	row := s.db.Reader.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM credentials WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
		key.Scope, key.Name)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Metadata{}, vaulterrors.NotFound("credstore.get_metadata", key.String())
	}
	if err != nil {
		return credential.Metadata{}, fmt.Errorf("read metadata %s: %w", key, err)
	}
	return m, nil
}

// ListMetadata returns metadata for every live credential, ordered by key.
func (s *Store) ListMetadata(ctx context.Context) ([]credential.Metadata, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT `+metadataColumns+` FROM credentials WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	var out []credential.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Touch records a successful access.
func (s *Store) Touch(ctx context.Context, key credential.Key) error {
	_, err := s.db.Writer.ExecContext(ctx,
		`UPDATE credentials SET last_accessed = ? WHERE scope = ? AND name = ? AND deleted_at IS NULL`,
		sqlite.Time(s.clock.Now()), key.Scope, key.Name)
	if err != nil {
		return fmt.Errorf("record access %s: %w", key, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner) (credential.Metadata, error) {
	var (
		m                                    credential.Metadata
		typ                                  string
		attrs                                []byte
		created, updated                     int64
		lastRotated, lastAccessed, expiresAt sql.NullInt64
	)
	if err := row.Scan(&m.Key.Scope, &m.Key.Name, &typ, &m.OwnerTeam, &attrs, &created, &updated,
		&lastRotated, &lastAccessed, &expiresAt, &m.RotationCount); err != nil {
		return m, err
	}
	m.Type = credential.Type(typ)
	m.CreatedAt = sqlite.ParseTime(created)
	m.LastUpdated = sqlite.ParseTime(updated)
	m.LastRotated = sqlite.ParseNullTime(lastRotated)
	m.LastAccessed = sqlite.ParseNullTime(lastAccessed)
	m.ExpiresAt = sqlite.ParseNullTime(expiresAt)
	if len(attrs) > 0 {
		if err := cbor.Unmarshal(attrs, &m.Attributes); err != nil {
			return m, fmt.Errorf("decode attributes of %s: %w", m.Key, err)
		}
	}
	return m, nil
}

// encodeAttributes returns a SQL argument: NULL when there is nothing to
// store so overwrites keep existing attributes.
func encodeAttributes(attrs map[string]string) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := cbor.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return b, nil
}

// seal and open must be called with mu held.
func (s *Store) seal(key credential.Key, plaintext []byte) ([]byte, error) {
	if s.cipher == nil {
		return nil, vaulterrors.Crypto("credstore.seal", key.String(), errors.New("store is closed"))
	}
	blob, err := s.cipher.Seal(plaintext, []byte(key.String()))
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", key, err)
	}
	return blob, nil
}

func (s *Store) open(key credential.Key, blob []byte) ([]byte, error) {
	if s.cipher == nil {
		return nil, vaulterrors.Crypto("credstore.open", key.String(), errors.New("store is closed"))
	}
	pt, err := s.cipher.Open(blob, []byte(key.String()))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return pt, nil
}
