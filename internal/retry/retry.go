package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
)

// Do runs op until it succeeds, fails permanently, exhausts cfg.MaxRetries or
// ctx is done. Only transient storage errors are retried.
func Do(ctx context.Context, cfg Config, log *logger.Logger, op func() error) error {
	cfg = ApplyDefaults(cfg)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		if log != nil {
			log.Warn("transient storage error, retrying", "attempt", attempt, "wait", wait, "error", err)
		}
	})
	if err != nil && IsTransient(err) {
		return &models.StorageIOError{Op: "retry exhausted", Transient: false, Err: err}
	}
	return err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sio *models.StorageIOError
	if errors.As(err, &sio) {
		return sio.Transient
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// Classify wraps a raw storage error into a StorageIOError.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sio *models.StorageIOError
	if errors.As(err, &sio) {
		return err
	}
	return &models.StorageIOError{Op: op, Transient: IsTransient(err), Err: err}
}
