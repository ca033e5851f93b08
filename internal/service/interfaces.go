package service

import (
	"context"
	"time"

	"farm-market/internal/models"

	"github.com/google/uuid"
)

// ProductReader is what the assembler needs from the catalog
type ProductReader interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

type ProductRepository interface {
	ProductReader
	ListProducts(ctx context.Context, f models.ProductFilter) ([]models.Product, int64, error)
	ListProductsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]models.Product, error)
	ListProductIDsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]uuid.UUID, error)
	CreateProduct(ctx context.Context, p *models.Product) error
	UpdateProduct(ctx context.Context, p *models.Product) error
	DeleteProduct(ctx context.Context, id uuid.UUID) error
}

// Inventory is the conditional-decrement primitive. Quantity only ever goes
// down through these two calls.
type Inventory interface {
	ConditionalDecrement(ctx context.Context, id uuid.UUID, amount int) error
	BatchConditionalDecrement(ctx context.Context, ds []models.StockDecrement) ([]models.DecrementOutcome, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrdersByConsumer(ctx context.Context, consumerID uuid.UUID) ([]models.Order, error)
	ListOrdersContainingProducts(ctx context.Context, productIDs []uuid.UUID) ([]models.Order, error)
	ListOrders(ctx context.Context, page, limit int) ([]models.Order, int64, error)
	ListOrdersByStockStatus(ctx context.Context, status models.StockStatus, limit int) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) (*models.Order, error)
	RecordStockOutcome(ctx context.Context, order *models.Order) error
}

// AtomicPlacer checks stock, decrements it and inserts the order as one unit
type AtomicPlacer interface {
	PlaceOrderAtomic(ctx context.Context, order *models.Order, ds []models.StockDecrement) error
}

// LineReconciler applies the unapplied lines of a flagged order and records
// the result as one unit
type LineReconciler interface {
	ReconcileOrderLines(ctx context.Context, id uuid.UUID) (*models.Order, []models.DecrementOutcome, error)
}

// Store is implemented by store.Store and store.MemoryStore
type Store interface {
	ProductRepository
	Inventory
	OrderRepository
	AtomicPlacer
	LineReconciler
	Ping(ctx context.Context) error
	Close() error
}

type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishStockReconciliationFailed(ctx context.Context, event *models.StockReconciliationFailedEvent) error
	PublishStockReconciled(ctx context.Context, event *models.StockReconciledEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (models.IdempotencyClaim, error)
	Bind(ctx context.Context, key string, orderID uuid.UUID, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// CatalogCache stores product listing pages under a catalog version. Any
// product write or stock decrement bumps the version.
type CatalogCache interface {
	CatalogVersion(ctx context.Context) (int64, error)
	GetProductPage(ctx context.Context, version int64, key string) (*models.ProductPage, bool, error)
	SetProductPage(ctx context.Context, version int64, key string, page *models.ProductPage, ttl time.Duration) error
	InvalidateCatalog(ctx context.Context) error
}

type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}
