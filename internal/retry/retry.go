// Package retry runs idempotent calls to external systems with a per-attempt
// timeout and bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	vaulterrors "github.com/systmms/teamvault/internal/errors"
)

// Policy bounds one external call.
type Policy struct {
	// MaxAttempts includes the first try. Zero means 3.
	MaxAttempts int
	// InitialInterval is the first backoff. Zero means 500ms.
	InitialInterval time.Duration
	// MaxInterval caps a single backoff. Zero means 10s.
	MaxInterval time.Duration
	// Timeout bounds each attempt. Zero means 30s.
	Timeout time.Duration
}

// DefaultPolicy is used when callers pass a zero Policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second, Timeout: 30 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the attempts
// run out or ctx is done. The final error is an ExternalCall failure
// naming target.
func Do(ctx context.Context, p Policy, op, target string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("attempt timed out after %s: %w", p.Timeout, err)
		}
		return err
	}, b)
	if err == nil {
		return nil
	}
	return vaulterrors.External(op, target, fmt.Errorf("after %d attempt(s): %w", attempts, err))
}
