package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	vaulterrors "github.com/systmms/teamvault/internal/errors"
)

const (
	// ArtifactMode is the permission of the key artifact. It is narrower than
	// the 0600 used for every other vault file.
	ArtifactMode os.FileMode = 0o400

	artifactVersion = 1
	saltSize        = 16
)

var (
	hkdfInfoCredential = []byte("teamvault.credential.v1")
	keyCheckPlaintext  = []byte("teamvault key check v1")
	keyCheckAAD        = []byte("teamvault.keycheck")
)

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time      uint32 `json:"time" yaml:"time"`
	MemoryKiB uint32 `json:"memory_kib" yaml:"memory_kib"`
	Threads   uint8  `json:"threads" yaml:"threads"`
}

// DefaultKDFParams follow the RFC 9106 second recommended option.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// Validate rejects parameters argon2 would accept but that give no real
// protection.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.Threads == 0 {
		return errors.New("kdf time and threads must be at least 1")
	}
	if p.MemoryKiB < 8*uint32(p.Threads) {
		return fmt.Errorf("kdf memory must be at least %d KiB for %d threads", 8*uint32(p.Threads), p.Threads)
	}
	return nil
}

// KeyArtifact is the persisted, non-secret half of the key derivation: the
// salt and cost parameters. Without the master secret it is useless.
type KeyArtifact struct {
	Version int       `json:"version"`
	KDF     string    `json:"kdf"`
	Salt    []byte    `json:"salt"`
	Params  KDFParams `json:"params"`
}

// NewKeyArtifact creates an artifact with a fresh random salt.
func NewKeyArtifact(params KDFParams) (*KeyArtifact, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return &KeyArtifact{
		Version: artifactVersion,
		KDF:     "argon2id",
		Salt:    salt,
		Params:  params,
	}, nil
}

// LoadKeyArtifact reads an artifact written by WriteKeyArtifact.
func LoadKeyArtifact(path string) (*KeyArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a KeyArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing key artifact %s: %w", path, err)
	}
	if a.Version != artifactVersion || a.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported key artifact %s (version %d, kdf %q)", path, a.Version, a.KDF)
	}
	if len(a.Salt) != saltSize {
		return nil, fmt.Errorf("key artifact %s has a %d byte salt", path, len(a.Salt))
	}
	return &a, nil
}

// WriteKeyArtifact writes a atomically with ArtifactMode permissions.
func WriteKeyArtifact(path string, a *KeyArtifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key artifact: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return fmt.Errorf("creating key artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing key artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing key artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing key artifact: %w", err)
	}
	if err := os.Chmod(tmpName, ArtifactMode); err != nil {
		return fmt.Errorf("restricting key artifact: %w", err)
	}
	return os.Rename(tmpName, path)
}

// Derive turns the master secret into the data cipher. The intermediate
// root key is wiped before returning.
func Derive(masterSecret []byte, a *KeyArtifact) (*XChaCha, error) {
	if len(masterSecret) == 0 {
		return nil, vaulterrors.Crypto("cipher.derive", "", errors.New("master secret is empty"))
	}
	if err := a.Params.Validate(); err != nil {
		return nil, vaulterrors.Crypto("cipher.derive", "", err)
	}

	root := argon2.IDKey(masterSecret, a.Salt, a.Params.Time, a.Params.MemoryKiB, a.Params.Threads, KeySize)
	defer wipe(root)

	dataKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, hkdfInfoCredential), dataKey); err != nil {
		return nil, vaulterrors.Crypto("cipher.derive", "", fmt.Errorf("hkdf: %w", err))
	}
	return NewXChaCha(dataKey)
}

// KeyCheck seals a known constant. Storing it next to the data lets Verify
// detect a wrong master secret before any credential is touched.
func KeyCheck(c Cipher) ([]byte, error) {
	return c.Seal(keyCheckPlaintext, keyCheckAAD)
}

// Verify returns a crypto failure when check was not produced by c's key.
func Verify(c Cipher, check []byte) error {
	pt, err := c.Open(check, keyCheckAAD)
	if err != nil {
		return vaulterrors.Crypto("cipher.verify", "", errors.New("master secret does not match this vault"))
	}
	if string(pt) != string(keyCheckPlaintext) {
		return vaulterrors.Crypto("cipher.verify", "", errors.New("key check mismatch"))
	}
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
