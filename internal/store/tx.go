package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
)

type TxOptions struct {
	IsolationLevel sql.IsolationLevel
	ReadOnly       bool
	MaxRetries     int
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		ReadOnly:       false,
		MaxRetries:     3,
	}
}

// WithTransaction runs fn in a single transaction, rolling back on error
func WithTransaction(ctx context.Context, db *sqlx.DB, opts TxOptions, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// WithRetry is WithTransaction plus exponential retry on serialization
// failures, deadlocks and lock timeouts
func WithRetry(ctx context.Context, db *sqlx.DB, opts TxOptions, fn func(*sqlx.Tx) error) error {
	return retryTx(ctx, opts, func() error {
		return WithTransaction(ctx, db, opts, fn)
	})
}

func txRetryPolicy(ctx context.Context, maxRetries int) backoff.BackOff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// retryTx runs attempt until it succeeds, fails with a non-retryable error
// (returned as is) or exhausts opts.MaxRetries
func retryTx(ctx context.Context, opts TxOptions, attempt func() error) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := attempt()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, txRetryPolicy(ctx, opts.MaxRetries))
	if err != nil && IsRetryable(err) && ctx.Err() == nil {
		return fmt.Errorf("max retries (%d) exceeded: %w", opts.MaxRetries, err)
	}
	return err
}
