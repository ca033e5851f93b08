package service

import (
	"context"
	"errors"
	"testing"

	"farm-market/config"
	"farm-market/internal/models"
	"farm-market/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderQueriesByRole(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(st, &recordingPublisher{}, config.PlacementAtomic)
	svc := NewOrderService(st, &recordingPublisher{}, 10)
	ctx := context.Background()

	grower := farmer()
	neighbour := farmer()
	mine := addProduct(t, st, grower.UserID, "Carrots", "1.00", 100)
	theirs := addProduct(t, st, neighbour.UserID, "Radish", "0.50", 100)

	alice := consumer()
	bob := consumer()
	mixed, err := c.PlaceOrder(ctx, alice, orderFor(line(mine, 1), line(theirs, 1)))
	require.NoError(t, err)
	_, err = c.PlaceOrder(ctx, bob, orderFor(line(theirs, 2)))
	require.NoError(t, err)

	aliceOrders, err := svc.ListMyOrders(ctx, alice)
	require.NoError(t, err)
	require.Len(t, aliceOrders, 1)
	assert.Equal(t, mixed.ID, aliceOrders[0].ID)

	farmerOrders, err := svc.ListFarmerOrders(ctx, grower)
	require.NoError(t, err)
	require.Len(t, farmerOrders, 1)
	assert.Len(t, farmerOrders[0].Items, 2, "lines of other farmers are not filtered out")

	noProducts, err := svc.ListFarmerOrders(ctx, farmer())
	require.NoError(t, err)
	assert.Empty(t, noProducts)

	_, err = svc.ListMyOrders(ctx, grower)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.ListFarmerOrders(ctx, alice)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAdminListOrdersPaginates(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(st, &recordingPublisher{}, config.PlacementAtomic)
	svc := NewOrderService(st, &recordingPublisher{}, 2)
	ctx := context.Background()
	p := addProduct(t, st, uuid.New(), "Eggs", "0.30", 100)

	for i := 0; i < 5; i++ {
		_, err := c.PlaceOrder(ctx, consumer(), orderFor(line(p, 1)))
		require.NoError(t, err)
	}

	page, err := svc.ListOrders(ctx, admin(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, int64(5), page.TotalOrders)
	assert.Len(t, page.Orders, 2)

	last, err := svc.ListOrders(ctx, admin(), 3, 2)
	require.NoError(t, err)
	assert.Len(t, last.Orders, 1)

	beyond, err := svc.ListOrders(ctx, admin(), 1<<62, 2)
	require.NoError(t, err)
	assert.Empty(t, beyond.Orders)
	assert.Equal(t, int64(5), beyond.TotalOrders)

	_, err = svc.ListOrders(ctx, consumer(), 1, 10)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetOrderVisibility(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(st, &recordingPublisher{}, config.PlacementAtomic)
	svc := NewOrderService(st, &recordingPublisher{}, 10)
	ctx := context.Background()
	p := addProduct(t, st, uuid.New(), "Cream", "2.00", 10)

	owner := consumer()
	order, err := c.PlaceOrder(ctx, owner, orderFor(line(p, 1)))
	require.NoError(t, err)

	got, err := svc.GetOrder(ctx, owner, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = svc.GetOrder(ctx, admin(), order.ID)
	require.NoError(t, err)

	_, err = svc.GetOrder(ctx, consumer(), order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.GetOrder(ctx, admin(), uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestUpdateStatus(t *testing.T) {
	st := store.NewMemoryStore()
	c := newCoordinator(st, &recordingPublisher{}, config.PlacementAtomic)
	events := &recordingPublisher{}
	svc := NewOrderService(st, events, 10)
	ctx := context.Background()
	p := addProduct(t, st, uuid.New(), "Cabbage", "1.10", 10)

	order, err := c.PlaceOrder(ctx, consumer(), orderFor(line(p, 1)))
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, admin(), order.ID, "Shipped")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, updated.Status)
	require.Len(t, events.statusChanged, 1)
	assert.Equal(t, models.OrderStatusPending, events.statusChanged[0].From)
	assert.Equal(t, models.OrderStatusShipped, events.statusChanged[0].To)

	_, err = svc.UpdateStatus(ctx, admin(), order.ID, "Lost")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "status", verr.Fields[0].Field)

	_, err = svc.UpdateStatus(ctx, admin(), uuid.New(), "Accepted")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.UpdateStatus(ctx, farmer(), order.ID, "Accepted")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListFlaggedOrders(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	a := addProduct(t, st.MemoryStore, uuid.New(), "Apples", "1.00", 10)
	b := addProduct(t, st.MemoryStore, uuid.New(), "Figs", "4.00", 5)
	order := flaggedOrder(t, st, a, b)

	svc := NewOrderService(st, &recordingPublisher{}, 10)
	flagged, err := svc.ListFlaggedOrders(context.Background(), admin(), 0)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, order.ID, flagged[0].ID)
}
