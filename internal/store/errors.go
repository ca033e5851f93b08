package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateProduct  = errors.New("duplicate product in decrement batch")
	ErrOrderNotFlagged   = errors.New("order is not flagged for stock reconciliation")
	ErrOrderCancelled    = errors.New("order is cancelled")
)

// MissingProductError names the product that could not be found
type MissingProductError struct {
	ProductID uuid.UUID
}

func (e *MissingProductError) Error() string {
	return fmt.Sprintf("product not found: %s", e.ProductID)
}

func (e *MissingProductError) Is(target error) bool {
	return target == ErrProductNotFound
}

// StockShortfallError reports a conditional decrement that found too little stock
type StockShortfallError struct {
	ProductID uuid.UUID
	Name      string
	Available int
	Requested int
}

func (e *StockShortfallError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available=%d, requested=%d", e.ProductID, e.Available, e.Requested)
}

func (e *StockShortfallError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

// ClassifyError maps Postgres error codes onto retry classes
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03", "57014":
			return ErrorClassTransient
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

// IsRetryable reports whether the failed statement was rolled back by the
// server and can be attempted again without double-applying it
func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsIdempotentRetryable is the retry policy for writes that are safe to
// repeat, such as inserts keyed by a pre-generated id. Besides server-side
// rollbacks it also retries connection faults, where the outcome is unknown.
func IsIdempotentRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return IsRetryable(err)
	}
	return !errors.Is(err, ErrOrderNotFound) && !errors.Is(err, ErrProductNotFound)
}
