package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/fluxorio/fedclient/pkg/core/failfast"
)

// DefaultMaxAttempts bounds how many times Autocommit will retry a
// function after a storage conflict before giving up.
const DefaultMaxAttempts = 100

// AutocommitOptions configures a single Autocommit call.
type AutocommitOptions struct {
	// MaxAttempts overrides DefaultMaxAttempts when > 0.
	MaxAttempts int
}

// Autocommit runs fn inside a transaction, retrying on ErrConflict with
// jittered backoff. fn must be idempotent with respect to re-execution:
// it may be called more than once for the same logical operation.
//
// Exhausting the attempt budget is treated as an invariant violation and
// is fatal: Autocommit panics rather than returning an error, since a
// conflict storm this persistent means something in the caller's
// transaction shape is wrong, not that the caller should keep retrying
// forever.
func (s *Store) Autocommit(ctx context.Context, opts AutocommitOptions, fn func(ctx context.Context, tx *Tx) error) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff(ctx, attempt)
		}

		tx, err := s.Begin(ctx)
		if err != nil {
			return err
		}

		err = fn(ctx, tx)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}

	s.logger.Errorf("autocommit: exhausted %d attempts, last error: %v", maxAttempts, lastErr)
	failfast.Err(errors.New("store: autocommit exhausted retry budget"))
	return nil // unreachable: failfast.Err panics
}

func backoff(ctx context.Context, attempt int) {
	base := time.Duration(attempt) * 2 * time.Millisecond
	if base > 50*time.Millisecond {
		base = 50 * time.Millisecond
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	select {
	case <-time.After(base + jitter):
	case <-ctx.Done():
	}
}
