package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"farm-market/internal/models"
	"farm-market/internal/store"
	"farm-market/internal/util"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProductQuery is the raw listing query as received from a client
type ProductQuery struct {
	Page     int    `form:"page"`
	Limit    int    `form:"limit"`
	Category string `form:"category"`
	MinPrice string `form:"minPrice"`
	MaxPrice string `form:"maxPrice"`
	Search   string `form:"search"`
}

// ProductInput carries the farmer-editable product fields
type ProductInput struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Category    string           `json:"category"`
	Price       *decimal.Decimal `json:"price"`
	Quantity    *int             `json:"quantity"`
	Images      []string         `json:"images"`
}

// Validate checks required fields and ranges
func (in *ProductInput) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(in.Name) == "" {
		verr.Add("name", "Name is required")
	}
	if strings.TrimSpace(in.Category) == "" {
		verr.Add("category", "Category is required")
	}
	if in.Price == nil {
		verr.Add("price", "Price is required")
	} else if in.Price.IsNegative() {
		verr.Add("price", "Price must be a non-negative number")
	}
	if in.Quantity == nil {
		verr.Add("quantity", "Quantity is required")
	} else if *in.Quantity < 0 {
		verr.Add("quantity", "Quantity must be a non-negative integer")
	}
	return verr.OrNil()
}

// CatalogService serves product listings and farmer product management
type CatalogService struct {
	products     ProductRepository
	cache        CatalogCache
	cacheTTL     time.Duration
	defaultLimit int
	now          func() time.Time
	logger       *zap.Logger
}

// NewCatalogService creates a new catalog service. cache may be nil.
func NewCatalogService(products ProductRepository, cache CatalogCache, cacheTTL time.Duration, defaultLimit int) *CatalogService {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &CatalogService{
		products:     products,
		cache:        cache,
		cacheTTL:     cacheTTL,
		defaultLimit: defaultLimit,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       util.GetLogger(),
	}
}

// Filter validates a query and applies paging defaults
func (s *CatalogService) Filter(q ProductQuery) (models.ProductFilter, error) {
	verr := &ValidationError{}
	f := models.ProductFilter{
		Category: strings.TrimSpace(q.Category),
		Search:   strings.TrimSpace(q.Search),
	}
	f.Page, f.Limit = normalizePage(q.Page, q.Limit, s.defaultLimit)

	parsePrice := func(field, raw string) *decimal.Decimal {
		if raw == "" {
			return nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			verr.Add(field, "Must be a non-negative number")
			return nil
		}
		return &d
	}
	f.MinPrice = parsePrice("minPrice", q.MinPrice)
	f.MaxPrice = parsePrice("maxPrice", q.MaxPrice)

	return f, verr.OrNil()
}

// ListProducts returns one page of matching products, newest first
func (s *CatalogService) ListProducts(ctx context.Context, q ProductQuery) (*models.ProductPage, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ListProducts")
	defer span.End()

	f, err := s.Filter(q)
	if err != nil {
		return nil, err
	}

	version, cacheable := s.cacheVersion(ctx)
	key := f.CacheKey()
	if cacheable {
		page, hit, err := s.cache.GetProductPage(ctx, version, key)
		if err != nil {
			s.logger.Warn("Product list cache read failed", zap.Error(err))
		} else if hit {
			util.ProductListCacheTotal.WithLabelValues("hit").Inc()
			return page, nil
		}
		util.ProductListCacheTotal.WithLabelValues("miss").Inc()
	}

	products, total, err := s.products.ListProducts(ctx, f)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	page := &models.ProductPage{
		Products:      products,
		Page:          f.Page,
		Limit:         f.Limit,
		TotalPages:    models.TotalPages(total, f.Limit),
		TotalProducts: total,
	}

	if cacheable {
		if err := s.cache.SetProductPage(ctx, version, key, page, s.cacheTTL); err != nil {
			s.logger.Warn("Product list cache write failed", zap.Error(err))
		}
	}
	return page, nil
}

func (s *CatalogService) cacheVersion(ctx context.Context) (int64, bool) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return 0, false
	}
	version, err := s.cache.CatalogVersion(ctx)
	if err != nil {
		s.logger.Warn("Catalog version unavailable, bypassing cache", zap.Error(err))
		return 0, false
	}
	return version, true
}

// GetProduct returns a single product
func (s *CatalogService) GetProduct(ctx context.Context, rawID string) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.GetProduct")
	defer span.End()

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, &ProductNotFoundError{ProductID: rawID}
	}
	product, err := s.products.GetProduct(ctx, id)
	if errors.Is(err, store.ErrProductNotFound) {
		return nil, &ProductNotFoundError{ProductID: rawID}
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return product, nil
}

// ListFarmerProducts returns the calling farmer's own products
func (s *CatalogService) ListFarmerProducts(ctx context.Context, principal models.Principal) ([]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ListFarmerProducts")
	defer span.End()

	if principal.Role != models.RoleFarmer {
		return nil, ErrForbidden
	}
	products, err := s.products.ListProductsByFarmer(ctx, principal.UserID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list farmer products: %w", err)
	}
	return products, nil
}

// CreateProduct lists a new product owned by the calling farmer
func (s *CatalogService) CreateProduct(ctx context.Context, principal models.Principal, in *ProductInput) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateProduct")
	defer span.End()

	if principal.Role != models.RoleFarmer {
		return nil, ErrForbidden
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	product := &models.Product{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Category:    strings.TrimSpace(in.Category),
		Price:       *in.Price,
		Quantity:    *in.Quantity,
		Images:      pq.StringArray(in.Images),
		FarmerID:    principal.UserID,
		CreatedAt:   s.now(),
	}
	if err := s.products.CreateProduct(ctx, product); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	s.logger.Info("Product created",
		zap.String("product_id", product.ID.String()),
		zap.String("farmer_id", principal.UserID.String()))
	s.invalidate(ctx)
	return product, nil
}

// UpdateProduct overwrites the editable fields of a product the farmer owns
func (s *CatalogService) UpdateProduct(ctx context.Context, principal models.Principal, rawID string, in *ProductInput) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.UpdateProduct")
	defer span.End()

	if principal.Role != models.RoleFarmer {
		return nil, ErrForbidden
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.GetProduct(ctx, rawID)
	if err != nil {
		return nil, err
	}
	if existing.FarmerID != principal.UserID {
		return nil, ErrForbidden
	}

	existing.Name = strings.TrimSpace(in.Name)
	existing.Description = in.Description
	existing.Category = strings.TrimSpace(in.Category)
	existing.Price = *in.Price
	existing.Quantity = *in.Quantity
	if in.Images != nil {
		existing.Images = pq.StringArray(in.Images)
	}

	if err := s.products.UpdateProduct(ctx, existing); err != nil {
		if errors.Is(err, store.ErrProductNotFound) {
			return nil, &ProductNotFoundError{ProductID: rawID}
		}
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to update product: %w", err)
	}

	s.invalidate(ctx)
	return existing, nil
}

// DeleteProduct removes a product. Farmers may delete their own products,
// admins any product.
func (s *CatalogService) DeleteProduct(ctx context.Context, principal models.Principal, rawID string) error {
	ctx, span := util.StartSpan(ctx, "CatalogService.DeleteProduct")
	defer span.End()

	if principal.Role != models.RoleFarmer && principal.Role != models.RoleAdmin {
		return ErrForbidden
	}

	existing, err := s.GetProduct(ctx, rawID)
	if err != nil {
		return err
	}
	if principal.Role == models.RoleFarmer && existing.FarmerID != principal.UserID {
		return ErrForbidden
	}

	if err := s.products.DeleteProduct(ctx, existing.ID); err != nil {
		if errors.Is(err, store.ErrProductNotFound) {
			return &ProductNotFoundError{ProductID: rawID}
		}
		util.RecordError(span, err)
		return fmt.Errorf("failed to delete product: %w", err)
	}

	s.logger.Info("Product deleted",
		zap.String("product_id", existing.ID.String()),
		zap.String("by", principal.UserID.String()))
	s.invalidate(ctx)
	return nil
}

func (s *CatalogService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateCatalog(ctx); err != nil {
		s.logger.Warn("Failed to invalidate catalog cache", zap.Error(err))
	}
}
