//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"farm-market/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(20)

	s := NewStoreFromDB(db, 3)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(ctx))
	// re-runnable
	require.NoError(t, s.Migrate(ctx))
	return s
}

func createTestProduct(t *testing.T, s *Store, name string, qty int) *models.Product {
	t.Helper()
	p := &models.Product{
		ID:          uuid.New(),
		Name:        name,
		Description: "integration",
		Category:    "Vegetables",
		Price:       decimal.RequireFromString("10.00"),
		Quantity:    qty,
		FarmerID:    uuid.New(),
	}
	require.NoError(t, s.CreateProduct(context.Background(), p))
	return p
}

func TestPostgresConditionalDecrement(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	p := createTestProduct(t, s, "Carrots", 5)

	require.NoError(t, s.ConditionalDecrement(ctx, p.ID, 3))
	err := s.ConditionalDecrement(ctx, p.ID, 3)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)
}

func TestPostgresConcurrentNoOversell(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	p := createTestProduct(t, s, "Eggs", 1)

	var wg sync.WaitGroup
	var succeeded int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order := &models.Order{
				ID:          uuid.New(),
				ConsumerID:  uuid.New(),
				Status:      models.OrderStatusPending,
				StockStatus: models.StockStatusApplied,
				TotalAmount: p.Price,
				Items:       []models.OrderLineItem{{ProductID: p.ID, Quantity: 1, Price: p.Price, StockApplied: true}},
				CreatedAt:   time.Now().UTC(),
				UpdatedAt:   time.Now().UTC(),
			}
			err := s.PlaceOrderAtomic(ctx, order, []models.StockDecrement{{ProductID: p.ID, Amount: 1}})
			if err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), succeeded)
	assert.Equal(t, 0, got.Quantity)
}

func TestPostgresBatchDecrementAndOrders(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	a := createTestProduct(t, s, "Apples", 4)
	b := createTestProduct(t, s, "Beets", 1)

	outcomes, err := s.BatchConditionalDecrement(ctx, []models.StockDecrement{
		{ProductID: a.ID, Amount: 2},
		{ProductID: b.ID, Amount: 2},
	})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Applied)
	assert.ErrorIs(t, outcomes[1].Err, ErrInsufficientStock)

	addr := &models.ShippingAddress{City: "Utrecht"}
	now := time.Now().UTC()
	order := &models.Order{
		ID:              uuid.New(),
		ConsumerID:      uuid.New(),
		Status:          models.OrderStatusPending,
		StockStatus:     models.StockStatusPending,
		TotalAmount:     decimal.RequireFromString("30.00"),
		ShippingAddress: addr,
		Items: []models.OrderLineItem{
			{ProductID: a.ID, Quantity: 2, Price: a.Price},
			{ProductID: b.ID, Quantity: 1, Price: b.Price},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateOrder(ctx, order))
	require.NoError(t, s.CreateOrder(ctx, order))

	order.StockStatus = models.StockStatusReconciliationFail
	order.Items[0].StockApplied = true
	require.NoError(t, s.RecordStockOutcome(ctx, order))

	flagged, err := s.ListOrdersByStockStatus(ctx, models.StockStatusReconciliationFail, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.True(t, flagged[0].Items[0].StockApplied)
	assert.Equal(t, "Utrecht", flagged[0].ShippingAddress.City)

	byProduct, err := s.ListOrdersContainingProducts(ctx, []uuid.UUID{b.ID})
	require.NoError(t, err)
	assert.Len(t, byProduct, 1)
	assert.Len(t, byProduct[0].Items, 2)
}

func TestPostgresReconcileOrderLines(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	a := createTestProduct(t, s, "Apples", 10)
	b := createTestProduct(t, s, "Beets", 0)

	now := time.Now().UTC()
	order := &models.Order{
		ID:          uuid.New(),
		ConsumerID:  uuid.New(),
		Status:      models.OrderStatusPending,
		StockStatus: models.StockStatusReconciliationFail,
		TotalAmount: decimal.RequireFromString("40.00"),
		Items: []models.OrderLineItem{
			{ProductID: a.ID, Quantity: 3, Price: a.Price},
			{ProductID: b.ID, Quantity: 1, Price: b.Price},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateOrder(ctx, order))

	got, outcomes, err := s.ReconcileOrderLines(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Applied)
	assert.ErrorIs(t, outcomes[1].Err, ErrInsufficientStock)
	assert.Equal(t, models.StockStatusReconciliationFail, got.StockStatus)

	stored, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, stored.Items[0].StockApplied)
	assert.False(t, stored.Items[1].StockApplied)

	b.Quantity = 1
	require.NoError(t, s.UpdateProduct(ctx, b))

	got, outcomes, err = s.ReconcileOrderLines(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.StockStatusReconciled, got.StockStatus)

	_, _, err = s.ReconcileOrderLines(ctx, order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFlagged)

	pa, err := s.GetProduct(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, pa.Quantity, "each line is taken exactly once")
	pb, err := s.GetProduct(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pb.Quantity)
}
