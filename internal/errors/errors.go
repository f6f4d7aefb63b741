package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// IsRetryable checks if an error is worth retrying against an external system.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrCryptoFailure) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
		"database is locked",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError turns vault and system errors into messages fit for a terminal.
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	var ue UserError
	if errors.As(err, &ue) {
		return err
	}
	var ce ConfigError
	if errors.As(err, &ce) {
		return err
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return UserError{
			Message:    "Access denied",
			Suggestion: "Ask an administrator to run 'teamvault access grant <team> <pattern>'",
			Err:        err,
		}
	case errors.Is(err, ErrNotFound):
		return UserError{
			Message:    "Credential not found",
			Suggestion: "List available credentials with 'teamvault list --team <team>'",
			Err:        err,
		}
	case errors.Is(err, ErrExpired):
		return UserError{
			Message:    "Credential has expired",
			Suggestion: "Rotate it with 'teamvault rotation rotate <name> --team <team>'",
			Err:        err,
		}
	case errors.Is(err, ErrInvalidToken):
		return UserError{
			Message:    "Break-glass token rejected",
			Suggestion: "Tokens are single use and short lived. Request a new one with 'teamvault breakglass request'",
			Err:        err,
		}
	case errors.Is(err, ErrCryptoFailure):
		return UserError{
			Message:    "Unable to decrypt vault data",
			Suggestion: "Check that the master secret matches the one used to initialise this vault",
			Err:        err,
		}
	}

	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}
	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
