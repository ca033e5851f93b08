package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"farm-market/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateOrder persists an order with its line items in one transaction. The
// insert is keyed by the caller-generated order id and is a no-op when the row
// already exists, so a retry after an ambiguous failure cannot duplicate it.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return WithTransaction(ctx, s.db, DefaultTxOptions(), func(tx *sqlx.Tx) error {
		return insertOrder(ctx, tx, order)
	})
}

func insertOrder(ctx context.Context, ext sqlx.ExtContext, order *models.Order) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO orders (id, consumer_id, total_amount, status, stock_status, stock_error, shipping_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, order.ConsumerID, order.TotalAmount, order.Status, order.StockStatus, order.StockError,
		order.ShippingAddress, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		item.Position = i
		_, err := ext.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, product_id, quantity, price, stock_applied)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (order_id, position) DO NOTHING`,
			item.OrderID, item.Position, item.ProductID, item.Quantity, item.Price, item.StockApplied)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", i, err)
		}
	}

	return nil
}

// PlaceOrderAtomic locks every product row, re-checks stock, decrements it
// and inserts the order in a single transaction. Rows are locked in id order
// so concurrent placements cannot deadlock on each other.
func (s *Store) PlaceOrderAtomic(ctx context.Context, order *models.Order, ds []models.StockDecrement) error {
	sorted := make([]models.StockDecrement, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ProductID.String() < sorted[j].ProductID.String()
	})

	opts := DefaultTxOptions()
	opts.MaxRetries = s.maxRetries

	return WithRetry(ctx, s.db, opts, func(tx *sqlx.Tx) error {
		for _, d := range sorted {
			var row stockRow
			err := tx.GetContext(ctx, &row,
				"SELECT id, name, quantity FROM products WHERE id = $1 FOR UPDATE", d.ProductID)
			if errors.Is(err, sql.ErrNoRows) {
				return &MissingProductError{ProductID: d.ProductID}
			}
			if err != nil {
				return fmt.Errorf("lock product %s: %w", d.ProductID, err)
			}

			if row.Quantity < d.Amount {
				return &StockShortfallError{ProductID: d.ProductID, Name: row.Name, Available: row.Quantity, Requested: d.Amount}
			}

			if _, err := tx.ExecContext(ctx,
				"UPDATE products SET quantity = quantity - $1, updated_at = NOW() WHERE id = $2",
				d.Amount, d.ProductID); err != nil {
				return fmt.Errorf("decrement stock %s: %w", d.ProductID, err)
			}
		}

		return insertOrder(ctx, tx, order)
	})
}

// GetOrder retrieves an order with its line items
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	orders := []models.Order{order}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListOrdersByConsumer returns a consumer's orders, newest first
func (s *Store) ListOrdersByConsumer(ctx context.Context, consumerID uuid.UUID) ([]models.Order, error) {
	return s.selectOrders(ctx,
		"SELECT * FROM orders WHERE consumer_id = $1 ORDER BY created_at DESC, id DESC", consumerID)
}

// ListOrdersContainingProducts returns every order with at least one line
// referencing one of the given products. Lines are not filtered.
func (s *Store) ListOrdersContainingProducts(ctx context.Context, productIDs []uuid.UUID) ([]models.Order, error) {
	if len(productIDs) == 0 {
		return []models.Order{}, nil
	}
	return s.selectOrders(ctx, `
		SELECT * FROM orders o
		WHERE EXISTS (
			SELECT 1 FROM order_items i
			WHERE i.order_id = o.id AND i.product_id = ANY($1::uuid[])
		)
		ORDER BY o.created_at DESC, o.id DESC`, uuidArray(productIDs))
}

// ListOrders returns one page of all orders, newest first
func (s *Store) ListOrders(ctx context.Context, page, limit int) ([]models.Order, int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders"); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	orders, err := s.selectOrders(ctx,
		"SELECT * FROM orders ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2", limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ListOrdersByStockStatus returns up to limit orders (all when limit is 0) with the given stock
// status, oldest first
func (s *Store) ListOrdersByStockStatus(ctx context.Context, status models.StockStatus, limit int) ([]models.Order, error) {
	return s.selectOrders(ctx,
		"SELECT * FROM orders WHERE stock_status = $1 ORDER BY created_at, id LIMIT NULLIF($2::int, 0)", status, limit)
}

// UpdateOrderStatus sets the admin-facing status of an order
func (s *Store) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) (*models.Order, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

// RecordStockOutcome persists the order's stock status, error summary and the
// per-line applied markers
func (s *Store) RecordStockOutcome(ctx context.Context, order *models.Order) error {
	return WithTransaction(ctx, s.db, DefaultTxOptions(), func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE orders SET stock_status = $1, stock_error = $2, updated_at = NOW() WHERE id = $3",
			order.StockStatus, order.StockError, order.ID)
		if err != nil {
			return fmt.Errorf("update stock status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrOrderNotFound
		}

		for _, item := range order.Items {
			if _, err := tx.ExecContext(ctx,
				"UPDATE order_items SET stock_applied = $1 WHERE order_id = $2 AND position = $3",
				item.StockApplied, order.ID, item.Position); err != nil {
				return fmt.Errorf("update order item %d: %w", item.Position, err)
			}
		}
		return nil
	})
}

func (s *Store) selectOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) attachItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(orders))
	index := make(map[uuid.UUID]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	var items []models.OrderLineItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = ANY($1::uuid[]) ORDER BY order_id, position", uuidArray(ids))
	if err != nil {
		return fmt.Errorf("get order items: %w", err)
	}

	for _, item := range items {
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return nil
}

func uuidArray(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
