// Package sqlitetest opens throwaway vault databases for tests.
package sqlitetest

import (
	"path/filepath"
	"testing"

	"github.com/systmms/teamvault/internal/storage/sqlite"
)

// New opens a migrated database in t.TempDir and closes it on cleanup.
func New(t testing.TB) *sqlite.DB {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
