package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AppLetico/clasper/pkg/errs"
)

// DefaultRetries is the default attempt count for conflicting writes.
const DefaultRetries = 5

// WithRetry runs fn, retrying up to attempts times with exponential
// backoff when the error is a store conflict. Timeouts are never retried.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetries
	}
	backoff := 10 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		err = Classify(err)
		if !errs.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindTimeout, "retry aborted", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// Classify maps driver-level errors onto the taxonomy. SQLITE_BUSY and
// SQLITE_LOCKED become retryable store conflicts; context expiry becomes
// timeout.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *errs.Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindTimeout, "storage deadline exceeded", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_LOCKED") {
		return errs.Wrap(errs.KindStoreConflict, "database busy", err)
	}
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return errs.Wrap(errs.KindStoreConflict, "unique constraint", err)
	}
	return errs.Wrap(errs.KindStoreUnavailable, "storage error", err)
}
