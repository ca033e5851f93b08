package service

import (
	"context"
	"errors"
	"fmt"

	"farm-market/internal/models"
	"farm-market/internal/store"
	"farm-market/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderItemRequest is one requested line: a product id and a quantity
type OrderItemRequest struct {
	Product  string `json:"product"`
	Quantity int    `json:"quantity"`
}

// Draft is a validated order that has not been written anywhere yet
type Draft struct {
	Items      []models.OrderLineItem
	Decrements []models.StockDecrement
	Total      decimal.Decimal
}

// OrderAssembler turns requested lines into priced line items against live
// product data
type OrderAssembler struct {
	products ProductReader
	logger   *zap.Logger
}

// NewOrderAssembler creates a new order assembler
func NewOrderAssembler(products ProductReader) *OrderAssembler {
	return &OrderAssembler{
		products: products,
		logger:   util.GetLogger(),
	}
}

// Assemble checks each item in input order and stops at the first failure,
// so the error always refers to the earliest offending line. Prices are
// copied from the product as read here.
func (a *OrderAssembler) Assemble(ctx context.Context, items []OrderItemRequest) (*Draft, error) {
	ctx, span := util.StartSpan(ctx, "OrderAssembler.Assemble")
	defer span.End()

	if len(items) == 0 {
		verr := &ValidationError{}
		verr.Add("products", "Products array is required and cannot be empty")
		return nil, verr
	}

	draft := &Draft{
		Items:      make([]models.OrderLineItem, 0, len(items)),
		Decrements: make([]models.StockDecrement, 0, len(items)),
		Total:      decimal.Zero,
	}

	for _, item := range items {
		id, err := uuid.Parse(item.Product)
		if err != nil {
			return nil, &ProductNotFoundError{ProductID: item.Product}
		}

		product, err := a.products.GetProduct(ctx, id)
		if errors.Is(err, store.ErrProductNotFound) {
			return nil, &ProductNotFoundError{ProductID: item.Product}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load product %s: %w", id, err)
		}

		if product.Quantity < item.Quantity {
			a.logger.Debug("Insufficient stock at assembly",
				zap.String("product_id", id.String()),
				zap.Int("available", product.Quantity),
				zap.Int("requested", item.Quantity))
			return nil, &InsufficientStockError{
				ProductID: id,
				Name:      product.Name,
				Available: product.Quantity,
				Requested: item.Quantity,
			}
		}

		line := models.OrderLineItem{
			ProductID: id,
			Quantity:  item.Quantity,
			Price:     product.Price,
		}
		draft.Items = append(draft.Items, line)
		draft.Decrements = append(draft.Decrements, models.StockDecrement{ProductID: id, Amount: item.Quantity})
		draft.Total = draft.Total.Add(line.Subtotal())
	}

	return draft, nil
}
