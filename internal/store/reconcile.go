package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"farm-market/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DescribeDecrementFailure renders one unapplied decrement for an order's
// stock error summary
func DescribeDecrementFailure(o models.DecrementOutcome) string {
	var short *StockShortfallError
	switch {
	case errors.As(o.Err, &short):
		return fmt.Sprintf("%s: insufficient stock (available=%d, requested=%d)", o.ProductID, short.Available, short.Requested)
	case errors.Is(o.Err, ErrProductNotFound):
		return fmt.Sprintf("%s: product no longer exists", o.ProductID)
	case o.Err != nil:
		return fmt.Sprintf("%s: %v", o.ProductID, o.Err)
	}
	return fmt.Sprintf("%s: not applied", o.ProductID)
}

// markReconciled copies the outcomes of order.PendingDecrements() back onto
// the lines. The order becomes reconciled once every line is applied.
func markReconciled(order *models.Order, outcomes []models.DecrementOutcome) {
	var failures []string
	next := 0
	for i := range order.Items {
		if order.Items[i].StockApplied {
			continue
		}
		o := outcomes[next]
		next++
		if o.Applied {
			order.Items[i].StockApplied = true
			continue
		}
		failures = append(failures, DescribeDecrementFailure(o))
	}

	if len(failures) == 0 {
		order.StockStatus = models.StockStatusReconciled
		order.StockError = ""
		return
	}
	order.StockError = strings.Join(failures, "; ")
}

// ReconcileOrderLines retries the unapplied lines of a flagged order. The
// decrements, the per-line markers and the order's stock status commit in
// one transaction, so no line is ever taken twice. Orders that are not
// flagged or are cancelled are returned with ErrOrderNotFlagged or
// ErrOrderCancelled and left untouched.
func (s *Store) ReconcileOrderLines(ctx context.Context, id uuid.UUID) (*models.Order, []models.DecrementOutcome, error) {
	var (
		order    models.Order
		outcomes []models.DecrementOutcome
	)

	opts := DefaultTxOptions()
	opts.MaxRetries = s.maxRetries

	err := WithRetry(ctx, s.db, opts, func(tx *sqlx.Tx) error {
		order = models.Order{}
		outcomes = nil

		err := tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if err := tx.SelectContext(ctx, &order.Items,
			"SELECT * FROM order_items WHERE order_id = $1 ORDER BY position", id); err != nil {
			return fmt.Errorf("get order items: %w", err)
		}

		if order.StockStatus != models.StockStatusReconciliationFail {
			return ErrOrderNotFlagged
		}
		if order.Status == models.OrderStatusCancelled {
			return ErrOrderCancelled
		}

		outcomes, err = batchDecrement(ctx, tx, order.PendingDecrements())
		if err != nil {
			return err
		}
		markReconciled(&order, outcomes)

		for _, item := range order.Items {
			if _, err := tx.ExecContext(ctx,
				"UPDATE order_items SET stock_applied = $1 WHERE order_id = $2 AND position = $3",
				item.StockApplied, order.ID, item.Position); err != nil {
				return fmt.Errorf("update order item %d: %w", item.Position, err)
			}
		}

		order.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			"UPDATE orders SET stock_status = $1, stock_error = $2, updated_at = $3 WHERE id = $4",
			order.StockStatus, order.StockError, order.UpdatedAt, order.ID); err != nil {
			return fmt.Errorf("update stock status: %w", err)
		}
		return nil
	})

	switch {
	case errors.Is(err, ErrOrderNotFlagged), errors.Is(err, ErrOrderCancelled):
		return &order, nil, err
	case err != nil:
		return nil, nil, err
	}
	return &order, outcomes, nil
}
