package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"farm-market/config"
	"farm-market/internal/models"
	"farm-market/internal/store"
	"farm-market/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PlaceOrderRequest represents a request to place an order
type PlaceOrderRequest struct {
	Products        []OrderItemRequest      `json:"products"`
	ShippingAddress *models.ShippingAddress `json:"shippingAddress,omitempty"`
	IdempotencyKey  string                  `json:"-"`
}

// Validate rejects malformed requests before any product is read. Product
// ids are not parsed here: an unknown or malformed id is a not-found error
// raised by the assembler.
func (r *PlaceOrderRequest) Validate() error {
	verr := &ValidationError{}

	if len(r.Products) == 0 {
		verr.Add("products", "Products array is required and cannot be empty")
		return verr
	}

	seen := make(map[string]int, len(r.Products))
	for i, item := range r.Products {
		if strings.TrimSpace(item.Product) == "" {
			verr.Add(fmt.Sprintf("products[%d].product", i), "Each product must have a product ID")
		}
		if item.Quantity < 1 {
			verr.Add(fmt.Sprintf("products[%d].quantity", i), "Each product must have a quantity greater than 0")
		}

		key := strings.ToLower(strings.TrimSpace(item.Product))
		if id, err := uuid.Parse(key); err == nil {
			key = id.String()
		}
		if first, dup := seen[key]; dup && key != "" {
			verr.Add(fmt.Sprintf("products[%d].product", i),
				fmt.Sprintf("Duplicate product, already listed at products[%d]", first))
			continue
		}
		seen[key] = i
	}

	if a := r.ShippingAddress; a != nil {
		fields := []struct{ name, value string }{
			{"street", a.Street},
			{"city", a.City},
			{"postalCode", a.PostalCode},
			{"country", a.Country},
		}
		for _, f := range fields {
			if len(f.value) > 200 {
				verr.Add("shippingAddress."+f.name, "Must be at most 200 characters")
			}
		}
	}

	return verr.OrNil()
}

// PlacementOptions tunes the coordinator
type PlacementOptions struct {
	Mode           config.PlacementMode
	MaxRetries     int
	IdempotencyTTL time.Duration
}

// PlacementCoordinator runs the order placement workflow: assemble, persist,
// decrement stock, record the outcome
type PlacementCoordinator struct {
	assembler   *OrderAssembler
	orders      OrderRepository
	inventory   Inventory
	atomic      AtomicPlacer
	events      EventPublisher
	idempotency IdempotencyStore
	cache       CatalogCache
	opts        PlacementOptions
	now         func() time.Time
	logger      *zap.Logger
}

// NewPlacementCoordinator creates a new placement coordinator. idempotency
// and cache may be nil.
func NewPlacementCoordinator(
	st Store,
	events EventPublisher,
	idempotency IdempotencyStore,
	cache CatalogCache,
	opts PlacementOptions,
) *PlacementCoordinator {
	if opts.Mode == "" {
		opts.Mode = config.PlacementAtomic
	}
	return &PlacementCoordinator{
		assembler:   NewOrderAssembler(st),
		orders:      st,
		inventory:   st,
		atomic:      st,
		events:      events,
		idempotency: idempotency,
		cache:       cache,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      util.GetLogger(),
	}
}

// PlaceOrder places an order for the calling consumer. A returned order is
// always durably stored; check its StockStatus for the decrement outcome.
func (c *PlacementCoordinator) PlaceOrder(ctx context.Context, principal models.Principal, req *PlaceOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PlacementCoordinator.PlaceOrder")
	defer span.End()

	if principal.Role != models.RoleConsumer {
		util.OrdersRejectedTotal.WithLabelValues("forbidden").Inc()
		return nil, ErrForbidden
	}

	if err := req.Validate(); err != nil {
		util.OrdersRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if req.IdempotencyKey == "" || c.idempotency == nil {
		return c.place(ctx, principal, req)
	}

	key := principal.UserID.String() + ":" + req.IdempotencyKey
	claim, err := c.idempotency.Claim(ctx, key, c.opts.IdempotencyTTL)
	if err != nil {
		c.logger.Warn("Idempotency store unavailable, placing without deduplication",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return c.place(ctx, principal, req)
	}

	if !claim.Acquired {
		if claim.OrderID == uuid.Nil {
			return nil, ErrIdempotencyConflict
		}
		c.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("order_id", claim.OrderID.String()))
		order, err := c.orders.GetOrder(ctx, claim.OrderID)
		if err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to load order for idempotency key: %w", err)
		}
		return order, nil
	}

	order, err := c.place(ctx, principal, req)
	if err != nil {
		if relErr := c.idempotency.Release(ctx, key); relErr != nil {
			c.logger.Warn("Failed to release idempotency key", zap.Error(relErr))
		}
		return nil, err
	}

	if err := c.idempotency.Bind(ctx, key, order.ID, c.opts.IdempotencyTTL); err != nil {
		c.logger.Warn("Failed to bind idempotency key",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
	return order, nil
}

func (c *PlacementCoordinator) place(ctx context.Context, principal models.Principal, req *PlaceOrderRequest) (*models.Order, error) {
	draft, err := c.assembler.Assemble(ctx, req.Products)
	if err != nil {
		c.countRejection(err)
		return nil, err
	}

	now := c.now()
	order := &models.Order{
		ID:              uuid.New(),
		ConsumerID:      principal.UserID,
		Items:           draft.Items,
		TotalAmount:     draft.Total,
		Status:          models.OrderStatusPending,
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch c.opts.Mode {
	case config.PlacementBestEffort:
		err = c.placeBestEffort(ctx, order, draft.Decrements)
	default:
		err = c.placeAtomic(ctx, order, draft.Decrements)
	}
	if err != nil {
		c.countRejection(err)
		return nil, err
	}

	util.OrdersPlacedTotal.WithLabelValues(string(c.opts.Mode)).Inc()
	c.logger.Info("Order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("consumer_id", order.ConsumerID.String()),
		zap.String("total", order.TotalAmount.StringFixed(2)),
		zap.String("stock_status", string(order.StockStatus)))

	c.invalidateCatalog(ctx)

	event := &models.OrderPlacedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderPlaced),
		OrderID:     order.ID,
		ConsumerID:  order.ConsumerID,
		TotalAmount: order.TotalAmount,
		StockStatus: order.StockStatus,
		Items:       models.ItemData(order.Items),
	}
	if err := c.events.PublishOrderPlaced(ctx, event); err != nil {
		c.logger.Error("Failed to publish OrderPlaced event", zap.Error(err))
	}

	return order, nil
}

// placeAtomic re-checks, decrements and inserts in one transaction. A
// shortfall found there rejects the order and nothing is written.
func (c *PlacementCoordinator) placeAtomic(ctx context.Context, order *models.Order, ds []models.StockDecrement) error {
	order.StockStatus = models.StockStatusApplied
	for i := range order.Items {
		order.Items[i].StockApplied = true
	}

	start := time.Now()
	err := c.atomic.PlaceOrderAtomic(ctx, order, ds)
	util.StockDecrementLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}

	if domainErr := stockError(err); domainErr != nil {
		return domainErr
	}
	return &PersistenceError{Err: err}
}

// placeBestEffort writes the order first and then decrements. Once the
// order row exists the order is accepted: decrement failures are recorded on
// it, never rolled back.
func (c *PlacementCoordinator) placeBestEffort(ctx context.Context, order *models.Order, ds []models.StockDecrement) error {
	order.StockStatus = models.StockStatusPending

	if err := c.persist(ctx, order); err != nil {
		return &PersistenceError{Err: err}
	}

	start := time.Now()
	outcomes, err := c.decrement(ctx, ds)
	util.StockDecrementLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		// The batch may or may not have committed, so the order stays pending
		// and is left out of automatic reconciliation.
		order.StockError = fmt.Sprintf("stock decrement outcome unknown: %v", err)
		c.logger.Error("Stock decrement failed after order was persisted",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		c.recordOutcome(ctx, order)
		return nil
	}

	c.applyOutcomes(order, outcomes)
	c.recordOutcome(ctx, order)

	if order.StockStatus == models.StockStatusReconciliationFail {
		c.flagReconciliation(ctx, order, outcomes)
	}
	return nil
}

func (c *PlacementCoordinator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)
}

// persist retries the insert. The insert is keyed by the pre-generated id,
// so a retry after an ambiguous failure cannot create a second order.
func (c *PlacementCoordinator) persist(ctx context.Context, order *models.Order) error {
	op := func() error {
		err := c.orders.CreateOrder(ctx, order)
		if err != nil && !store.IsIdempotentRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		util.OrderPersistRetriesTotal.Inc()
		c.logger.Warn("Retrying order persist",
			zap.String("order_id", order.ID.String()),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(op, c.retryPolicy(ctx), notify)
}

// decrement only retries errors the server rolled back, so a retry never
// applies a decrement twice
func (c *PlacementCoordinator) decrement(ctx context.Context, ds []models.StockDecrement) ([]models.DecrementOutcome, error) {
	var outcomes []models.DecrementOutcome
	op := func() error {
		var err error
		outcomes, err = c.inventory.BatchConditionalDecrement(ctx, ds)
		if err != nil && !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// applyOutcomes copies per-line results onto the order. Outcomes are in the
// same order as the order lines.
func (c *PlacementCoordinator) applyOutcomes(order *models.Order, outcomes []models.DecrementOutcome) {
	var failures []string
	for i := range order.Items {
		if i >= len(outcomes) {
			break
		}
		order.Items[i].StockApplied = outcomes[i].Applied
		if !outcomes[i].Applied {
			failures = append(failures, store.DescribeDecrementFailure(outcomes[i]))
		}
	}

	if len(failures) == 0 {
		order.StockStatus = models.StockStatusApplied
		order.StockError = ""
		return
	}
	order.StockStatus = models.StockStatusReconciliationFail
	order.StockError = strings.Join(failures, "; ")
}

func (c *PlacementCoordinator) recordOutcome(ctx context.Context, order *models.Order) {
	op := func() error {
		err := c.orders.RecordStockOutcome(ctx, order)
		if err != nil && !store.IsIdempotentRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		c.logger.Error("Failed to record stock outcome",
			zap.String("order_id", order.ID.String()),
			zap.String("stock_status", string(order.StockStatus)),
			zap.Error(err))
	}
}

func (c *PlacementCoordinator) flagReconciliation(ctx context.Context, order *models.Order, outcomes []models.DecrementOutcome) {
	util.StockReconciliationFailuresTotal.Inc()

	var failed []uuid.UUID
	for _, o := range outcomes {
		if !o.Applied {
			failed = append(failed, o.ProductID)
		}
	}

	c.logger.Warn("Order accepted but stock not fully decremented",
		zap.String("order_id", order.ID.String()),
		zap.Int("failed_lines", len(failed)),
		zap.String("reason", order.StockError))

	event := &models.StockReconciliationFailedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeStockReconciliationFailed),
		OrderID:        order.ID,
		FailedProducts: failed,
		Reason:         order.StockError,
	}
	if err := c.events.PublishStockReconciliationFailed(ctx, event); err != nil {
		c.logger.Error("Failed to publish StockReconciliationFailed event", zap.Error(err))
	}
}

func (c *PlacementCoordinator) invalidateCatalog(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateCatalog(ctx); err != nil {
		c.logger.Warn("Failed to invalidate catalog cache", zap.Error(err))
	}
}

func (c *PlacementCoordinator) countRejection(err error) {
	var (
		verr     *ValidationError
		notFound *ProductNotFoundError
		short    *InsufficientStockError
		persist  *PersistenceError
	)
	reason := "error"
	switch {
	case errors.As(err, &verr):
		reason = "validation"
	case errors.As(err, &notFound):
		reason = "product_not_found"
	case errors.As(err, &short):
		reason = "insufficient_stock"
	case errors.As(err, &persist):
		reason = "persistence"
	}
	util.OrdersRejectedTotal.WithLabelValues(reason).Inc()
}

// stockError converts store-level stock errors into the service error types,
// or returns nil for anything else
func stockError(err error) error {
	var short *store.StockShortfallError
	if errors.As(err, &short) {
		return &InsufficientStockError{
			ProductID: short.ProductID,
			Name:      short.Name,
			Available: short.Available,
			Requested: short.Requested,
		}
	}
	var missing *store.MissingProductError
	if errors.As(err, &missing) {
		return &ProductNotFoundError{ProductID: missing.ProductID.String()}
	}
	return nil
}
