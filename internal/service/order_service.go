package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"farm-market/internal/models"
	"farm-market/internal/store"
	"farm-market/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxPageLimit = 100

// maxPage keeps (page-1)*limit inside a 32-bit OFFSET
const maxPage = math.MaxInt32 / maxPageLimit

// OrderService handles order queries and admin moderation
type OrderService struct {
	orders       OrderRepository
	products     ProductRepository
	events       EventPublisher
	defaultLimit int
	logger       *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(st Store, events EventPublisher, defaultLimit int) *OrderService {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &OrderService{
		orders:       st,
		products:     st,
		events:       events,
		defaultLimit: defaultLimit,
		logger:       util.GetLogger(),
	}
}

// ListMyOrders returns the calling consumer's orders, newest first
func (s *OrderService) ListMyOrders(ctx context.Context, principal models.Principal) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListMyOrders")
	defer span.End()

	if principal.Role != models.RoleConsumer {
		return nil, ErrForbidden
	}

	orders, err := s.orders.ListOrdersByConsumer(ctx, principal.UserID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list consumer orders: %w", err)
	}
	return orders, nil
}

// ListFarmerOrders returns every order with at least one line for one of the
// farmer's products. The returned orders keep all of their lines.
func (s *OrderService) ListFarmerOrders(ctx context.Context, principal models.Principal) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListFarmerOrders")
	defer span.End()

	if principal.Role != models.RoleFarmer {
		return nil, ErrForbidden
	}

	productIDs, err := s.products.ListProductIDsByFarmer(ctx, principal.UserID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to resolve farmer products: %w", err)
	}
	if len(productIDs) == 0 {
		return []models.Order{}, nil
	}

	orders, err := s.orders.ListOrdersContainingProducts(ctx, productIDs)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list farmer orders: %w", err)
	}
	return orders, nil
}

// ListOrders returns one page of all orders (admin)
func (s *OrderService) ListOrders(ctx context.Context, principal models.Principal, page, limit int) (*models.OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if principal.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	page, limit = normalizePage(page, limit, s.defaultLimit)
	orders, total, err := s.orders.ListOrders(ctx, page, limit)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	return &models.OrderPage{
		Orders:      orders,
		Page:        page,
		Limit:       limit,
		TotalPages:  models.TotalPages(total, limit),
		TotalOrders: total,
	}, nil
}

// GetOrder returns one order. Admins may read any order, consumers only
// their own.
func (s *OrderService) GetOrder(ctx context.Context, principal models.Principal, id uuid.UUID) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	if principal.Role != models.RoleAdmin && principal.Role != models.RoleConsumer {
		return nil, ErrForbidden
	}

	order, err := s.orders.GetOrder(ctx, id)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if principal.Role == models.RoleConsumer && order.ConsumerID != principal.UserID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// UpdateStatus moves an order to a new lifecycle status (admin)
func (s *OrderService) UpdateStatus(ctx context.Context, principal models.Principal, id uuid.UUID, status string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	if principal.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	next, err := models.ParseOrderStatus(status)
	if err != nil {
		verr := &ValidationError{}
		verr.Add("status", "Status must be one of Pending, Accepted, Shipped, Delivered, Cancelled")
		return nil, verr
	}

	current, err := s.orders.GetOrder(ctx, id)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	updated, err := s.orders.UpdateOrderStatus(ctx, id, next)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	s.logger.Info("Order status updated",
		zap.String("order_id", id.String()),
		zap.String("from", string(current.Status)),
		zap.String("to", string(next)))

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   id,
		From:      current.Status,
		To:        next,
	}
	if err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}

	return updated, nil
}

// ListFlaggedOrders returns orders still waiting for stock reconciliation,
// oldest first (admin)
func (s *OrderService) ListFlaggedOrders(ctx context.Context, principal models.Principal, limit int) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListFlaggedOrders")
	defer span.End()

	if principal.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	_, limit = normalizePage(1, limit, maxPageLimit)
	orders, err := s.orders.ListOrdersByStockStatus(ctx, models.StockStatusReconciliationFail, limit)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list flagged orders: %w", err)
	}
	return orders, nil
}

func normalizePage(page, limit, defaultLimit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if page > maxPage {
		page = maxPage
	}
	return page, limit
}
