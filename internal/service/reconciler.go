package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"farm-market/internal/models"
	"farm-market/internal/store"
	"farm-market/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const reconcileLockTTL = 30 * time.Second

// StockReconciler retries the stock decrements of orders that were accepted
// without all of their stock. It only touches orders flagged
// reconciliation_failed, whose per-line applied markers are known.
type StockReconciler struct {
	orders OrderRepository
	lines  LineReconciler
	events EventPublisher
	cache  CatalogCache
	locker Locker
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStockReconciler creates a new reconciler. cache and locker may be nil;
// without a locker only in-process exclusion applies.
func NewStockReconciler(st Store, events EventPublisher, cache CatalogCache, locker Locker) *StockReconciler {
	return &StockReconciler{
		orders: st,
		lines:  st,
		events: events,
		cache:  cache,
		locker: locker,
		logger: util.GetLogger(),
	}
}

// Reconcile re-attempts the unapplied lines of one flagged order
func (r *StockReconciler) Reconcile(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "StockReconciler.Reconcile")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locker != nil {
		lockKey := "reconcile:" + orderID.String()
		token, ok, err := r.locker.AcquireLock(ctx, lockKey, reconcileLockTTL)
		if err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to acquire reconcile lock: %w", err)
		}
		if !ok {
			return nil, ErrReconciliationInProgress
		}
		defer func() {
			if err := r.locker.ReleaseLock(context.Background(), lockKey, token); err != nil {
				r.logger.Warn("Failed to release reconcile lock", zap.String("order_id", orderID.String()), zap.Error(err))
			}
		}()
	}

	order, outcomes, err := r.lines.ReconcileOrderLines(ctx, orderID)
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		return nil, ErrOrderNotFound
	case errors.Is(err, store.ErrOrderNotFlagged):
		return order, ErrOrderNotFlaggedForReconcile
	case errors.Is(err, store.ErrOrderCancelled):
		r.logger.Info("Skipping reconciliation of cancelled order", zap.String("order_id", orderID.String()))
		return order, nil
	case err != nil:
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to reconcile order lines: %w", err)
	}

	applied := 0
	for _, o := range outcomes {
		if o.Applied {
			applied++
		}
	}

	if applied > 0 && r.cache != nil {
		if err := r.cache.InvalidateCatalog(ctx); err != nil {
			r.logger.Warn("Failed to invalidate catalog cache", zap.Error(err))
		}
	}

	if order.StockStatus == models.StockStatusReconciled {
		util.StockReconciledTotal.Inc()
		r.logger.Info("Order stock reconciled", zap.String("order_id", orderID.String()))

		event := &models.StockReconciledEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeStockReconciled),
			OrderID:   order.ID,
		}
		if err := r.events.PublishStockReconciled(ctx, event); err != nil {
			r.logger.Error("Failed to publish StockReconciled event", zap.Error(err))
		}
	} else {
		r.logger.Warn("Order still awaiting stock",
			zap.String("order_id", orderID.String()),
			zap.Int("applied_lines", applied),
			zap.String("reason", order.StockError))
	}

	return order, nil
}

// Sweep reconciles up to limit flagged orders, oldest first, and returns how
// many became fully reconciled
func (r *StockReconciler) Sweep(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockReconciler.Sweep")
	defer span.End()

	flagged, err := r.orders.ListOrdersByStockStatus(ctx, models.StockStatusReconciliationFail, limit)
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to list flagged orders: %w", err)
	}

	reconciled := 0
	for _, o := range flagged {
		if ctx.Err() != nil {
			return reconciled, ctx.Err()
		}
		order, err := r.Reconcile(ctx, o.ID)
		if err != nil {
			if !errors.Is(err, ErrReconciliationInProgress) && !errors.Is(err, ErrOrderNotFlaggedForReconcile) {
				r.logger.Error("Reconcile failed", zap.String("order_id", o.ID.String()), zap.Error(err))
			}
			continue
		}
		if order.StockStatus == models.StockStatusReconciled {
			reconciled++
		}
	}

	if len(flagged) > 0 {
		r.logger.Info("Reconciliation sweep finished",
			zap.Int("flagged", len(flagged)),
			zap.Int("reconciled", reconciled))
	}
	return reconciled, nil
}

// HandleReconciliationFailed reacts to a STOCK_RECONCILIATION_FAILED event.
// Orders that are already resolved or being handled elsewhere are not errors.
func (r *StockReconciler) HandleReconciliationFailed(ctx context.Context, event *models.StockReconciliationFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "StockReconciler.HandleReconciliationFailed")
	defer span.End()

	r.logger.Info("Handling stock reconciliation event",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID.String()))

	_, err := r.Reconcile(ctx, event.OrderID)
	switch {
	case err == nil,
		errors.Is(err, ErrOrderNotFlaggedForReconcile),
		errors.Is(err, ErrReconciliationInProgress),
		errors.Is(err, ErrOrderNotFound):
		return nil
	}
	return err
}
