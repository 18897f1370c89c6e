package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-threads/internal/metrics"
)

// run executes one storage call under its own timeout, maps deadline hits to
// ErrStorageTimeout and records the outcome.
func run(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		err = fmt.Errorf("%w: %s after %s", ErrStorageTimeout, op, timeout)
	}
	metrics.StorageCalls.WithLabelValues(op, outcome(err)).Inc()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrStorageTimeout):
		return err
	default:
		return fmt.Errorf("storage: %s: %w", op, err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorageTimeout):
		return "timeout"
	default:
		return "error"
	}
}
