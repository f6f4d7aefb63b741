package errors

import (
	"errors"
	"fmt"
)

// Vault error kinds. Every error produced by the vault packages matches
// exactly one of these with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidToken    = errors.New("invalid token")
	ErrCryptoFailure   = errors.New("crypto failure")
	ErrRotationFailure = errors.New("rotation failure")
	ErrExternalCall    = errors.New("external call failure")
	ErrExpired         = errors.New("expired")
)

// Error carries the failing operation and the credential or token it was
// about. Key never contains secret material.
type Error struct {
	Kind error  // one of the Err* sentinels
	Op   string // e.g. "credstore.retrieve", "access.can_access"
	Key  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the kind sentinel so callers can use errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a vault error.
func E(kind error, op, key string, err error) error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// NotFound is shorthand for E(ErrNotFound, op, key, nil).
func NotFound(op, key string) error {
	return &Error{Kind: ErrNotFound, Op: op, Key: key}
}

// Unauthorized reports an access denial for team on key.
func Unauthorized(op, team, key string) error {
	return &Error{Kind: ErrUnauthorized, Op: op, Key: key, Err: fmt.Errorf("team %q has no matching rule", team)}
}

// Crypto wraps a cipher failure.
func Crypto(op, key string, err error) error {
	return &Error{Kind: ErrCryptoFailure, Op: op, Key: key, Err: err}
}

// Rotation wraps a failure in one rotation phase.
func Rotation(op, key string, err error) error {
	return &Error{Kind: ErrRotationFailure, Op: op, Key: key, Err: err}
}

// External wraps a failed call to a system outside the vault.
func External(op, target string, err error) error {
	return &Error{Kind: ErrExternalCall, Op: op, Key: target, Err: err}
}

// KindOf returns the kind sentinel of err, or nil when err is not a vault error.
func KindOf(err error) error {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return nil
}
