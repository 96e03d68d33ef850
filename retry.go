package uow

import (
	"context"
	"errors"
	log "log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries. Errors are only retried when
// wrapped with retry.RetryableError, see ShouldRetry.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether err is worth retrying: non-nil, not a context error,
// and not a permanent failure of this package (misuse, not found, conflicts, fatal).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrClosed) {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		switch e.Code {
		case UserMisuse, ObjectNotFound, ManagedElsewhere, OptimisticConflict, Fatal:
			return false
		}
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return false
	}
	switch {
	case errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC):
		return false
	}
	return !strings.Contains(err.Error(), "read-only file system")
}

// RetryTransient runs task under Retry, retrying only errors accepted by ShouldRetry.
func RetryTransient(ctx context.Context, task func(ctx context.Context) error) error {
	return Retry(ctx, func(ctx context.Context) error {
		err := task(ctx)
		if ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
}
