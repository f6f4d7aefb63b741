// Package cipher derives the vault data key from the master secret and
// provides authenticated encryption for everything the vault persists.
package cipher

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/secure"
)

// KeySize is the size of the data key.
const KeySize = chacha20poly1305.KeySize

// BlobVersion is the first byte of every sealed blob. It is part of the AAD
// so changing it breaks authentication.
const BlobVersion byte = 0x01

// BlobOverhead is version + nonce + Poly1305 tag.
const BlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Cipher seals and opens opaque blobs. The identity passed as aad binds a
// blob to the record it belongs to.
type Cipher interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(blob, aad []byte) ([]byte, error)
}

// XChaCha is an XChaCha20-Poly1305 Cipher whose key lives in a memguard
// enclave between operations.
type XChaCha struct {
	key *secure.SecureBuffer
}

// NewXChaCha takes ownership of key; the slice is wiped.
func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("data key must be %d bytes, got %d", KeySize, len(key))
	}
	buf, err := secure.NewSecureBuffer(key)
	if err != nil {
		return nil, err
	}
	return &XChaCha{key: buf}, nil
}

// Seal encrypts plaintext into the blob format
//
//	[version 0x01][nonce 24 bytes][ciphertext+tag]
func (c *XChaCha) Seal(plaintext, aad []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, vaulterrors.Crypto("cipher.seal", "", fmt.Errorf("generating nonce: %w", err))
	}

	var out []byte
	err := c.key.With(func(k []byte) error {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return err
		}
		out = make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
		out[0] = BlobVersion
		copy(out[1:], nonce[:])
		out = aead.Seal(out, nonce[:], plaintext, buildAAD(BlobVersion, aad))
		return nil
	})
	if err != nil {
		return nil, vaulterrors.Crypto("cipher.seal", "", err)
	}
	return out, nil
}

// Open authenticates and decrypts a blob produced by Seal with the same aad.
func (c *XChaCha) Open(blob, aad []byte) ([]byte, error) {
	if len(blob) < BlobOverhead {
		return nil, vaulterrors.Crypto("cipher.open", "", fmt.Errorf("blob is %d bytes, minimum is %d", len(blob), BlobOverhead))
	}
	if blob[0] != BlobVersion {
		return nil, vaulterrors.Crypto("cipher.open", "", fmt.Errorf("blob version %d is not supported", blob[0]))
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	sealed := blob[1+chacha20poly1305.NonceSizeX:]

	var plaintext []byte
	err := c.key.With(func(k []byte) error {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return err
		}
		plaintext, err = aead.Open(nil, nonce, sealed, buildAAD(blob[0], aad))
		return err
	})
	if err != nil {
		return nil, vaulterrors.Crypto("cipher.open", "", err)
	}
	return plaintext, nil
}

// Destroy drops the key enclave. The cipher is unusable afterwards.
func (c *XChaCha) Destroy() {
	c.key.Destroy()
}

func buildAAD(version byte, identity []byte) []byte {
	aad := make([]byte, 1+len(identity))
	aad[0] = version
	copy(aad[1:], identity)
	return aad
}
