package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"farm-market/internal/models"
	"farm-market/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productInput(name, price string, qty int) *ProductInput {
	d := decimal.RequireFromString(price)
	return &ProductInput{Name: name, Category: "Fruit", Price: &d, Quantity: &qty}
}

func TestCatalogListingUsesCacheUntilInvalidated(t *testing.T) {
	st := store.NewMemoryStore()
	cache := newMemoryCatalogCache()
	svc := NewCatalogService(st, cache, time.Minute, 10)
	ctx := context.Background()
	grower := farmer()

	_, err := svc.CreateProduct(ctx, grower, productInput("Cherries", "6.00", 20))
	require.NoError(t, err)

	page, err := svc.ListProducts(ctx, ProductQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.TotalProducts)
	assert.Equal(t, 0, cache.hits)

	_, err = svc.ListProducts(ctx, ProductQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	_, err = svc.CreateProduct(ctx, grower, productInput("Grapes", "3.00", 20))
	require.NoError(t, err)

	page, err = svc.ListProducts(ctx, ProductQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.TotalProducts, "writes bump the catalog version")
	assert.Equal(t, 1, cache.hits)
}

func TestCatalogFilterValidation(t *testing.T) {
	svc := NewCatalogService(store.NewMemoryStore(), nil, 0, 10)

	f, err := svc.Filter(ProductQuery{Page: -1, Limit: 500, MinPrice: "1.5", Search: "  red apple "})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 100, f.Limit)
	assert.True(t, decimal.RequireFromString("1.5").Equal(*f.MinPrice))
	assert.Equal(t, "red apple", f.Search)

	_, err = svc.Filter(ProductQuery{MinPrice: "cheap", MaxPrice: "-3"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)
}

func TestCatalogPagination(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewCatalogService(st, nil, 0, 10)
	ctx := context.Background()
	grower := farmer()

	for _, name := range []string{"A", "B", "C"} {
		_, err := svc.CreateProduct(ctx, grower, productInput(name, "1.00", 1))
		require.NoError(t, err)
	}

	page, err := svc.ListProducts(ctx, ProductQuery{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, int64(3), page.TotalProducts)
	assert.Len(t, page.Products, 1)
}

func TestCatalogHugePageIsEmpty(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewCatalogService(st, nil, 0, 10)
	ctx := context.Background()
	_, err := svc.CreateProduct(ctx, farmer(), productInput("Figs", "4.00", 3))
	require.NoError(t, err)

	f, err := svc.Filter(ProductQuery{Page: 1 << 62, Limit: 100})
	require.NoError(t, err)
	assert.Positive(t, f.Offset())

	page, err := svc.ListProducts(ctx, ProductQuery{Page: 1 << 62, Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, page.Products)
	assert.Equal(t, int64(1), page.TotalProducts)
	assert.Equal(t, 1, page.TotalPages)
}

func TestCatalogListingIsRepeatable(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewCatalogService(st, nil, 0, 10)
	ctx := context.Background()

	sameInstant := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, name := range []string{"Kale", "Leek", "Okra", "Peas", "Yams"} {
		require.NoError(t, st.CreateProduct(ctx, &models.Product{
			ID:        uuid.New(),
			Name:      name,
			Category:  "Vegetables",
			Price:     decimal.RequireFromString("2.00"),
			Quantity:  5,
			FarmerID:  uuid.New(),
			CreatedAt: sameInstant,
		}))
	}

	q := ProductQuery{Category: "vegetables", Page: 1, Limit: 3}
	first, err := svc.ListProducts(ctx, q)
	require.NoError(t, err)
	second, err := svc.ListProducts(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first.Products, second.Products)
	assert.Equal(t, first.TotalProducts, second.TotalProducts)
	assert.Equal(t, first.TotalPages, second.TotalPages)

	q.Page = 2
	rest, err := svc.ListProducts(ctx, q)
	require.NoError(t, err)
	seen := map[uuid.UUID]bool{}
	for _, p := range append(first.Products, rest.Products...) {
		assert.False(t, seen[p.ID], "product %s listed on two pages", p.Name)
		seen[p.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestProductOwnership(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewCatalogService(st, nil, 0, 10)
	ctx := context.Background()
	owner := farmer()

	p, err := svc.CreateProduct(ctx, owner, productInput("Melon", "2.00", 4))
	require.NoError(t, err)

	_, err = svc.UpdateProduct(ctx, farmer(), p.ID.String(), productInput("Stolen", "0.01", 4))
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := svc.UpdateProduct(ctx, owner, p.ID.String(), productInput("Melon", "2.50", 9))
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Quantity)
	assert.Equal(t, owner.UserID, updated.FarmerID)

	mine, err := svc.ListFarmerProducts(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	assert.ErrorIs(t, svc.DeleteProduct(ctx, farmer(), p.ID.String()), ErrForbidden)
	assert.ErrorIs(t, svc.DeleteProduct(ctx, consumer(), p.ID.String()), ErrForbidden)
	require.NoError(t, svc.DeleteProduct(ctx, admin(), p.ID.String()))

	_, err = svc.GetProduct(ctx, p.ID.String())
	var notFound *ProductNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestCreateProductValidation(t *testing.T) {
	svc := NewCatalogService(store.NewMemoryStore(), nil, 0, 10)

	_, err := svc.CreateProduct(context.Background(), consumer(), productInput("Kiwi", "1.00", 1))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CreateProduct(context.Background(), farmer(), productInput("", "-1.00", -2))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 3)

	_, err = svc.CreateProduct(context.Background(), farmer(), &ProductInput{Name: "Kiwi", Category: "Fruit"})
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)
}
