package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryConfig bounds how long WithTx keeps retrying a transaction that lost
// a lock race. busy_timeout already waits inside SQLite; this only covers
// what leaks past it.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		MaxTries:        8,
	}
}

func (c RetryConfig) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	return b
}

// withRetry runs op until it succeeds, fails with anything other than
// SQLITE_BUSY/SQLITE_LOCKED, or the retry budget is spent.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		switch {
		case err == nil:
			return struct{}{}, nil
		case isBusy(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(s.retry.backOff()),
		backoff.WithMaxTries(s.retry.MaxTries),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// isBusy matches the primary codes, so extended codes like
// SQLITE_BUSY_SNAPSHOT count too.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
