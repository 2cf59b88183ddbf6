package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds store calls: each attempt gets Timeout, transient
// failures are retried up to MaxAttempts with exponential backoff, and
// anything left over surfaces as ErrPersistenceFailure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

// DefaultRetryPolicy matches the retry budget used for serialization failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Timeout:     5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// Do runs fn under the policy. Business errors are returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if IsBusinessError(err) {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return &PersistenceError{Op: op, Attempts: attempt, Err: err}
		}
		if !IsTransient(err) && !timedOut {
			return &PersistenceError{Op: op, Attempts: attempt, Err: err}
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.backoff(attempt)
		if p.Logger != nil {
			p.Logger.Warn("retrying store operation",
				"op", op,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &PersistenceError{Op: op, Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		case <-timer.C:
		}
	}

	return &PersistenceError{Op: op, Attempts: p.MaxAttempts, Err: lastErr}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}
