package credstore_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/teamvault/internal/cipher"
	"github.com/systmms/teamvault/internal/credstore"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/storage/sqlite"
	"github.com/systmms/teamvault/internal/storage/sqlite/sqlitetest"
	"github.com/systmms/teamvault/pkg/credential"
)

var (
	testKDF   = cipher.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}
	testEpoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	db      *sqlite.DB
	store   *credstore.Store
	clock   *testclock.Clock
	keyPath string
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	db := sqlitetest.New(t)
	clk := testclock.NewClock(testEpoch)
	keyPath := filepath.Join(filepath.Dir(db.Path()), "vault.key")
	s, err := credstore.Open(context.Background(), db, []byte(secret), credstore.Options{
		KeyPath: keyPath,
		KDF:     testKDF,
		Clock:   clk,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &fixture{db: db, store: s, clock: clk, keyPath: keyPath}
}

func (f *fixture) reopen(t *testing.T, secret string) (*credstore.Store, error) {
	t.Helper()
	s, err := credstore.Open(context.Background(), f.db, []byte(secret), credstore.Options{
		KeyPath: f.keyPath,
		KDF:     testKDF,
		Clock:   f.clock,
	})
	if err == nil {
		t.Cleanup(s.Close)
	}
	return s, err
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	key := credential.TeamKey("eng", "DB_URL")

	values := []string{"postgres://u:p@h/db", "", "ünïcødé ✓", string(bytes.Repeat([]byte("x"), 10000))}
	for _, v := range values {
		require.NoError(t, f.store.Store(ctx, key, v, credstore.StoreOptions{Type: credential.TypeDatabase}))
		got, err := f.store.Retrieve(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestCiphertextNeverContainsValue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	value := "sk-tv-VERYSECRETVALUE1234567890"
	require.NoError(t, f.store.Store(ctx, credential.TeamKey("eng", "API_KEY"), value, credstore.StoreOptions{}))

	var blob []byte
	require.NoError(t, f.db.Reader.QueryRow(`SELECT ciphertext FROM credentials WHERE scope = 'eng' AND name = 'API_KEY'`).Scan(&blob))
	assert.NotEqual(t, []byte(value), blob)
	assert.False(t, bytes.Contains(blob, []byte(value)))

	raw, err := os.ReadFile(f.db.Path())
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte(value)))
}

func TestStoreOverwritePreservesCreatedAt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	key := credential.TeamKey("eng", "TOKEN")

	require.NoError(t, f.store.Store(ctx, key, "v1", credstore.StoreOptions{Type: credential.TypeJWTSecret}))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.store.Store(ctx, key, "v2", credstore.StoreOptions{}))

	m, err := f.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	assert.True(t, testEpoch.Equal(m.CreatedAt))
	assert.True(t, testEpoch.Add(time.Hour).Equal(m.LastUpdated))
	assert.Equal(t, credential.TypeJWTSecret, m.Type, "type is kept when not given")
	assert.Equal(t, "eng", m.OwnerTeam)
	assert.Nil(t, m.LastRotated)
}

func TestStoreDefaultsAndAttributes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	expires := testEpoch.Add(24 * time.Hour)
	key := credential.GlobalKey("OPENAI_API_KEY")

	require.NoError(t, f.store.Store(ctx, key, "v", credstore.StoreOptions{
		ExpiresAt:  &expires,
		Attributes: map[string]string{"service": "openai"},
	}))
	m, err := f.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, credential.TypeAPIKey, m.Type)
	assert.Equal(t, "", m.OwnerTeam)
	require.NotNil(t, m.ExpiresAt)
	assert.True(t, expires.Equal(*m.ExpiresAt))
	assert.Equal(t, map[string]string{"service": "openai"}, m.Attributes)

	// Overwrite without attributes keeps them.
	require.NoError(t, f.store.Store(ctx, key, "v2", credstore.StoreOptions{}))
	m, err = f.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "openai", m.Attributes["service"])
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	assert.Error(t, f.store.Store(ctx, credential.Key{Scope: "Bad Team", Name: "X"}, "v", credstore.StoreOptions{}))
	assert.Error(t, f.store.Store(ctx, credential.TeamKey("eng", "X"), "v", credstore.StoreOptions{Type: "ssh_key"}))
}

func TestRetrieveMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	_, err := f.store.Retrieve(context.Background(), credential.TeamKey("eng", "NOPE"))
	assert.ErrorIs(t, err, vaulterrors.ErrNotFound)

	_, err = f.store.GetMetadata(context.Background(), credential.TeamKey("eng", "NOPE"))
	assert.ErrorIs(t, err, vaulterrors.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	key := credential.TeamKey("eng", "DB_URL")

	deleted, err := f.store.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, f.store.Store(ctx, key, "v1", credstore.StoreOptions{Type: credential.TypeDatabase}))
	deleted, err = f.store.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.store.Retrieve(ctx, key)
	assert.ErrorIs(t, err, vaulterrors.ErrNotFound)
	keys, err := f.store.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Storing again starts a new credential.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Store(ctx, key, "v2", credstore.StoreOptions{}))
	m, err := f.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	assert.True(t, testEpoch.Add(time.Minute).Equal(m.CreatedAt))
	assert.Equal(t, credential.TypeAPIKey, m.Type)
	got, err := f.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestListKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	for _, k := range []credential.Key{
		credential.TeamKey("eng", "DB_URL"),
		credential.TeamKey("eng", "DB_PASSWORD"),
		credential.TeamKey("ops", "PAGER_TOKEN"),
		credential.GlobalKey("OPENAI_API_KEY"),
	} {
		require.NoError(t, f.store.Store(ctx, k, "v", credstore.StoreOptions{}))
	}

	all, err := f.store.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	eng, err := f.store.ListKeys(ctx, "eng:DB_*")
	require.NoError(t, err)
	assert.Equal(t, []credential.Key{
		credential.TeamKey("eng", "DB_PASSWORD"),
		credential.TeamKey("eng", "DB_URL"),
	}, eng)

	global, err := f.store.ListKeys(ctx, "global:*")
	require.NoError(t, err)
	assert.Equal(t, []credential.Key{credential.GlobalKey("OPENAI_API_KEY")}, global)

	_, err = f.store.ListKeys(ctx, "[")
	assert.Error(t, err)

	meta, err := f.store.ListMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, meta, 4)
	assert.Equal(t, "eng:DB_PASSWORD", meta[0].Key.String())
}

func TestTouchRecordsAccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	key := credential.TeamKey("eng", "X")
	require.NoError(t, f.store.Store(ctx, key, "v", credstore.StoreOptions{}))
	f.clock.Advance(time.Second)
	require.NoError(t, f.store.Touch(ctx, key))

	m, err := f.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, m.LastAccessed)
	assert.True(t, testEpoch.Add(time.Second).Equal(*m.LastAccessed))
}

func TestReopenRequiresMatchingSecret(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	require.NoError(t, f.store.Store(ctx, credential.TeamKey("eng", "X"), "value", credstore.StoreOptions{}))

	info, err := os.Stat(f.keyPath)
	require.NoError(t, err)
	assert.Equal(t, cipher.ArtifactMode, info.Mode().Perm())

	_, err = f.reopen(t, "wrong")
	assert.ErrorIs(t, err, vaulterrors.ErrCryptoFailure)

	s, err := f.reopen(t, "master")
	require.NoError(t, err)
	got, err := s.Retrieve(ctx, credential.TeamKey("eng", "X"))
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestRotateMasterKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "old-master")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := credential.TeamKey("eng", fmt.Sprintf("K%d", i))
		require.NoError(t, f.store.Store(ctx, key, fmt.Sprintf("value-%d", i), credstore.StoreOptions{}))
	}
	deletedKey := credential.TeamKey("eng", "GONE")
	require.NoError(t, f.store.Store(ctx, deletedKey, "x", credstore.StoreOptions{}))
	_, err := f.store.Delete(ctx, deletedKey)
	require.NoError(t, err)

	// An open rotation is re-encrypted too.
	rotKey := credential.TeamKey("eng", "K0")
	_, err = f.store.ClaimRotation(ctx, rotKey, "pending")
	require.NoError(t, err)
	_, err = f.store.StageRotation(ctx, rotKey, "value-0-new", "overlapping")
	require.NoError(t, err)

	n, err := f.store.RotateMasterKey(ctx, []byte("new-master"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = os.Stat(f.keyPath + ".next")
	assert.True(t, os.IsNotExist(err))

	for i := 1; i < 5; i++ {
		got, err := f.store.Retrieve(ctx, credential.TeamKey("eng", fmt.Sprintf("K%d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", i), got)
	}
	ov, err := f.store.GetOverlay(ctx, rotKey)
	require.NoError(t, err)
	assert.Equal(t, "value-0-new", ov.Active)
	assert.Equal(t, "value-0", ov.Previous)

	_, err = f.reopen(t, "old-master")
	assert.ErrorIs(t, err, vaulterrors.ErrCryptoFailure)

	s, err := f.reopen(t, "new-master")
	require.NoError(t, err)
	got, err := s.Retrieve(ctx, credential.TeamKey("eng", "K3"))
	require.NoError(t, err)
	assert.Equal(t, "value-3", got)
}

func TestOpenRecoversInterruptedRekey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "old-master")
	ctx := context.Background()
	key := credential.TeamKey("eng", "K")
	require.NoError(t, f.store.Store(ctx, key, "value", credstore.StoreOptions{}))

	oldArtifact, err := cipher.LoadKeyArtifact(f.keyPath)
	require.NoError(t, err)
	_, err = f.store.RotateMasterKey(ctx, []byte("new-master"))
	require.NoError(t, err)

	// Simulate a crash after commit but before the artifact rename.
	require.NoError(t, os.Rename(f.keyPath, f.keyPath+".next"))
	require.NoError(t, cipher.WriteKeyArtifact(f.keyPath, oldArtifact))

	s, err := f.reopen(t, "new-master")
	require.NoError(t, err)
	got, err := s.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "value", got)
	_, err = os.Stat(f.keyPath + ".next")
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentStoresNeverCorrupt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "master")
	ctx := context.Background()
	key := credential.TeamKey("eng", "SHARED")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.store.Store(ctx, key, fmt.Sprintf("value-%d", i), credstore.StoreOptions{}))
			_, err := f.store.Retrieve(ctx, key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Regexp(t, `^value-\d$`, got)
}
