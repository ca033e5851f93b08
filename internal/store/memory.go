package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"farm-market/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// MemoryStore is a process-local implementation of the same repository
// contracts as Store. Every mutation happens under one mutex, which makes the
// conditional decrement a compare-and-decrement.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[uuid.UUID]*models.Product
	orders   map[uuid.UUID]*models.Order
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[uuid.UUID]*models.Product),
		orders:   make(map[uuid.UUID]*models.Order),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }

func cloneProduct(p *models.Product) *models.Product {
	cp := *p
	cp.Images = append(pq.StringArray{}, p.Images...)
	return &cp
}

func cloneOrder(o *models.Order) models.Order {
	cp := *o
	cp.Items = append([]models.OrderLineItem(nil), o.Items...)
	if o.ShippingAddress != nil {
		addr := *o.ShippingAddress
		cp.ShippingAddress = &addr
	}
	return cp
}

func (m *MemoryStore) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, &MissingProductError{ProductID: id}
	}
	return cloneProduct(p), nil
}

func (m *MemoryStore) ListProducts(ctx context.Context, f models.ProductFilter) ([]models.Product, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(f.Search))
	var matched []models.Product
	for _, p := range m.products {
		if f.Category != "" && !strings.EqualFold(p.Category, f.Category) {
			continue
		}
		if f.MinPrice != nil && p.Price.LessThan(*f.MinPrice) {
			continue
		}
		if f.MaxPrice != nil && p.Price.GreaterThan(*f.MaxPrice) {
			continue
		}
		if !matchesTerms(p, terms) {
			continue
		}
		matched = append(matched, *cloneProduct(p))
	}
	sortNewestFirst(matched)

	total := int64(len(matched))
	start := f.Offset()
	if start < 0 || start > len(matched) {
		start = len(matched)
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}

	page := append([]models.Product{}, matched[start:end]...)
	return page, total, nil
}

func matchesTerms(p *models.Product, terms []string) bool {
	haystacks := []string{strings.ToLower(p.Name), strings.ToLower(p.Description), strings.ToLower(p.Category)}
	for _, term := range terms {
		found := false
		for _, h := range haystacks {
			if strings.Contains(h, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortNewestFirst(products []models.Product) {
	sort.Slice(products, func(i, j int) bool {
		if !products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].CreatedAt.After(products[j].CreatedAt)
		}
		return products[i].ID.String() > products[j].ID.String()
	})
}

func (m *MemoryStore) ListProductsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := []models.Product{}
	for _, p := range m.products {
		if p.FarmerID == farmerID {
			products = append(products, *cloneProduct(p))
		}
	}
	sortNewestFirst(products)
	return products, nil
}

func (m *MemoryStore) ListProductIDsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []uuid.UUID
	for id, p := range m.products {
		if p.FarmerID == farmerID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) CreateProduct(ctx context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.products[p.ID]; exists {
		return fmt.Errorf("create product: duplicate id %s", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	p.UpdatedAt = p.CreatedAt
	if p.Images == nil {
		p.Images = pq.StringArray{}
	}
	m.products[p.ID] = cloneProduct(p)
	return nil
}

func (m *MemoryStore) UpdateProduct(ctx context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.products[p.ID]
	if !ok {
		return &MissingProductError{ProductID: p.ID}
	}
	p.CreatedAt = existing.CreatedAt
	p.FarmerID = existing.FarmerID
	p.UpdatedAt = m.now()
	if p.Images == nil {
		p.Images = pq.StringArray{}
	}
	m.products[p.ID] = cloneProduct(p)
	return nil
}

func (m *MemoryStore) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return &MissingProductError{ProductID: id}
	}
	delete(m.products, id)
	return nil
}

// decrementLocked requires m.mu held for writing
func (m *MemoryStore) decrementLocked(id uuid.UUID, amount int) error {
	p, ok := m.products[id]
	if !ok {
		return &MissingProductError{ProductID: id}
	}
	if p.Quantity < amount {
		return &StockShortfallError{ProductID: id, Name: p.Name, Available: p.Quantity, Requested: amount}
	}
	p.Quantity -= amount
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ConditionalDecrement(ctx context.Context, id uuid.UUID, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementLocked(id, amount)
}

func (m *MemoryStore) BatchConditionalDecrement(ctx context.Context, ds []models.StockDecrement) ([]models.DecrementOutcome, error) {
	seen := make(map[uuid.UUID]struct{}, len(ds))
	for _, d := range ds {
		if _, dup := seen[d.ProductID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProduct, d.ProductID)
		}
		seen[d.ProductID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]models.DecrementOutcome, len(ds))
	for i, d := range ds {
		err := m.decrementLocked(d.ProductID, d.Amount)
		outcomes[i] = models.DecrementOutcome{ProductID: d.ProductID, Amount: d.Amount, Applied: err == nil, Err: err}
	}
	return outcomes, nil
}

func (m *MemoryStore) PlaceOrderAtomic(ctx context.Context, order *models.Order, ds []models.StockDecrement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range ds {
		p, ok := m.products[d.ProductID]
		if !ok {
			return &MissingProductError{ProductID: d.ProductID}
		}
		if p.Quantity < d.Amount {
			return &StockShortfallError{ProductID: d.ProductID, Name: p.Name, Available: p.Quantity, Requested: d.Amount}
		}
	}
	for _, d := range ds {
		if err := m.decrementLocked(d.ProductID, d.Amount); err != nil {
			return err
		}
	}
	m.insertOrderLocked(order)
	return nil
}

func (m *MemoryStore) insertOrderLocked(order *models.Order) {
	if _, exists := m.orders[order.ID]; exists {
		return
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		order.Items[i].Position = i
	}
	cp := cloneOrder(order)
	m.orders[order.ID] = &cp
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertOrderLocked(order)
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := cloneOrder(o)
	return &cp, nil
}

func (m *MemoryStore) filterOrders(keep func(*models.Order) bool) []models.Order {
	orders := []models.Order{}
	for _, o := range m.orders {
		if keep(o) {
			orders = append(orders, cloneOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID.String() > orders[j].ID.String()
	})
	return orders
}

func (m *MemoryStore) ListOrdersByConsumer(ctx context.Context, consumerID uuid.UUID) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(o *models.Order) bool { return o.ConsumerID == consumerID }), nil
}

func (m *MemoryStore) ListOrdersContainingProducts(ctx context.Context, productIDs []uuid.UUID) ([]models.Order, error) {
	wanted := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterOrders(func(o *models.Order) bool {
		for _, item := range o.Items {
			if _, ok := wanted[item.ProductID]; ok {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, page, limit int) ([]models.Order, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.filterOrders(func(*models.Order) bool { return true })
	start := (page - 1) * limit
	if start < 0 || start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

func (m *MemoryStore) ListOrdersByStockStatus(ctx context.Context, status models.StockStatus, limit int) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := m.filterOrders(func(o *models.Order) bool { return o.StockStatus == status })
	// oldest first
	for i, j := 0, len(orders)-1; i < j; i, j = i+1, j-1 {
		orders[i], orders[j] = orders[j], orders[i]
	}
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = m.now()
	cp := cloneOrder(o)
	return &cp, nil
}

func (m *MemoryStore) ReconcileOrderLines(ctx context.Context, id uuid.UUID) (*models.Order, []models.DecrementOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, nil, ErrOrderNotFound
	}
	order := cloneOrder(o)
	if order.StockStatus != models.StockStatusReconciliationFail {
		return &order, nil, ErrOrderNotFlagged
	}
	if order.Status == models.OrderStatusCancelled {
		return &order, nil, ErrOrderCancelled
	}

	ds := order.PendingDecrements()
	outcomes := make([]models.DecrementOutcome, len(ds))
	for i, d := range ds {
		err := m.decrementLocked(d.ProductID, d.Amount)
		outcomes[i] = models.DecrementOutcome{ProductID: d.ProductID, Amount: d.Amount, Applied: err == nil, Err: err}
	}
	markReconciled(&order, outcomes)
	order.UpdatedAt = m.now()

	stored := cloneOrder(&order)
	m.orders[id] = &stored
	return &order, outcomes, nil
}

func (m *MemoryStore) RecordStockOutcome(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	o.StockStatus = order.StockStatus
	o.StockError = order.StockError
	for _, item := range order.Items {
		if item.Position >= 0 && item.Position < len(o.Items) {
			o.Items[item.Position].StockApplied = item.StockApplied
		}
	}
	o.UpdatedAt = m.now()
	return nil
}
