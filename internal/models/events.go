package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced               = "ORDER_PLACED"
	EventTypeStockReconciliationFailed = "STOCK_RECONCILIATION_FAILED"
	EventTypeStockReconciled           = "STOCK_RECONCILED"
	EventTypeOrderStatusChanged        = "ORDER_STATUS_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderPlacedEvent published once an order is durably recorded
type OrderPlacedEvent struct {
	BaseEvent
	OrderID     uuid.UUID       `json:"order_id"`
	ConsumerID  uuid.UUID       `json:"consumer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	StockStatus StockStatus     `json:"stock_status"`
	Items       []OrderItemData `json:"items"`
}

// StockReconciliationFailedEvent published when an accepted order could not
// take all of its stock
type StockReconciliationFailedEvent struct {
	BaseEvent
	OrderID        uuid.UUID   `json:"order_id"`
	FailedProducts []uuid.UUID `json:"failed_products"`
	Reason         string      `json:"reason"`
}

// StockReconciledEvent published when a flagged order has all stock applied
type StockReconciledEvent struct {
	BaseEvent
	OrderID uuid.UUID `json:"order_id"`
}

// OrderStatusChangedEvent published on admin status updates
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID uuid.UUID   `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ItemData converts order lines for event payloads
func ItemData(items []OrderLineItem) []OrderItemData {
	out := make([]OrderItemData, 0, len(items))
	for _, item := range items {
		out = append(out, OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}
	return out
}
