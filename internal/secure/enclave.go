package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a destroyed buffer is opened.
var ErrDestroyed = errors.New("secure buffer destroyed")

// SecureBuffer provides memory-safe storage for key material.
// It wraps memguard.Enclave, which keeps the bytes encrypted while they
// are not in use and mlocks them while they are.
type SecureBuffer struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	size      int
	destroyed bool
}

// NewSecureBuffer moves data into a protected enclave. memguard wipes the
// source slice, so callers must not reuse data afterwards.
func NewSecureBuffer(data []byte) (*SecureBuffer, error) {
	if len(data) == 0 {
		return nil, errors.New("secure buffer requires non-empty data")
	}
	size := len(data)
	enclave := memguard.NewEnclave(data)
	if enclave == nil {
		return nil, errors.New("failed to create memory enclave")
	}
	return &SecureBuffer{enclave: enclave, size: size}, nil
}

// Size is the length of the protected data.
func (s *SecureBuffer) Size() int {
	return s.size
}

// Open decrypts the enclave into a locked buffer. The caller MUST Destroy
// the returned buffer.
func (s *SecureBuffer) Open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}
	return s.enclave.Open()
}

// With opens the buffer, passes the plaintext to fn and wipes it again.
func (s *SecureBuffer) With(fn func([]byte) error) error {
	locked, err := s.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()
	return fn(locked.Bytes())
}

// Destroy drops the enclave. It is idempotent.
func (s *SecureBuffer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.enclave = nil
	s.destroyed = true
}
