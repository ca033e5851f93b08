package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound               = errors.New("order not found")
	ErrForbidden                   = errors.New("forbidden")
	ErrIdempotencyConflict         = errors.New("a request with this idempotency key is already in progress")
	ErrReconciliationInProgress    = errors.New("order reconciliation already in progress")
	ErrOrderNotFlaggedForReconcile = errors.New("order is not flagged for stock reconciliation")
)

// FieldError is one field-level validation message
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed input. Nothing has been written when it
// is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Add appends a field message
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns e when it holds at least one field message
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ProductNotFoundError names a referenced product that does not exist. The id
// is kept as submitted so malformed ids are reported verbatim.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("Product not found: %s", e.ProductID)
}

// InsufficientStockError reports a line asking for more than is available
type InsufficientStockError struct {
	ProductID uuid.UUID
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock for %s. Available: %d, Requested: %d", e.Name, e.Available, e.Requested)
}

// PersistenceError means the order could not be durably written. No stock
// was touched.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist order: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
