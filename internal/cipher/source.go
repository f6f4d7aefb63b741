package cipher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// SecretSource yields the master secret.
type SecretSource interface {
	MasterSecret(ctx context.Context) ([]byte, error)
	Describe() string
}

// EnvSource reads the master secret from an environment variable.
type EnvSource struct {
	Var string
}

func (s EnvSource) MasterSecret(context.Context) ([]byte, error) {
	v, ok := os.LookupEnv(s.Var)
	if !ok || v == "" {
		return nil, fmt.Errorf("environment variable %s is not set", s.Var)
	}
	return []byte(v), nil
}

func (s EnvSource) Describe() string { return "env:" + s.Var }

// FileSource reads the master secret from a file, trimming one trailing
// newline. The file must not be readable by group or other.
type FileSource struct {
	Path string
}

func (s FileSource) MasterSecret(context.Context) ([]byte, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("master secret file %s has mode %o; restrict it to 0600 or 0400", s.Path, info.Mode().Perm())
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	if len(data) == 0 {
		return nil, fmt.Errorf("master secret file %s is empty", s.Path)
	}
	return data, nil
}

func (s FileSource) Describe() string { return "file:" + s.Path }

// KeyringSource reads the master secret from the OS keychain.
type KeyringSource struct {
	Service string
	Account string
}

func (s KeyringSource) MasterSecret(context.Context) ([]byte, error) {
	v, err := keyring.Get(s.Service, s.Account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("no master secret in keyring for %s/%s", s.Service, s.Account)
		}
		return nil, fmt.Errorf("keyring lookup %s/%s: %w", s.Service, s.Account, err)
	}
	return []byte(v), nil
}

// Store saves secret in the keychain under the source's service/account.
func (s KeyringSource) Store(secret []byte) error {
	return keyring.Set(s.Service, s.Account, string(secret))
}

func (s KeyringSource) Describe() string { return "keyring:" + s.Service + "/" + s.Account }

// StaticSource returns a fixed secret.
type StaticSource []byte

func (s StaticSource) MasterSecret(context.Context) ([]byte, error) {
	return bytes.Clone(s), nil
}

func (s StaticSource) Describe() string { return "static" }
