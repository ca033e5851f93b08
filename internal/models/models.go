package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Role of an authenticated principal
type Role string

const (
	RoleConsumer Role = "Consumer"
	RoleFarmer   Role = "Farmer"
	RoleAdmin    Role = "Admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleConsumer, RoleFarmer, RoleAdmin:
		return true
	}
	return false
}

// Principal is the already-verified caller identity handed to the services.
type Principal struct {
	UserID uuid.UUID
	Role   Role
}

// Product represents a farmer's listing
type Product struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	Category    string          `db:"category" json:"category"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Images      pq.StringArray  `db:"images" json:"images"`
	FarmerID    uuid.UUID       `db:"farmer_id" json:"farmer"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}

// OrderStatus is the admin-driven lifecycle of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusAccepted  OrderStatus = "Accepted"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusDelivered OrderStatus = "Delivered"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// ParseOrderStatus validates a status name
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(s); st {
	case OrderStatusPending, OrderStatusAccepted, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// StockStatus records whether the stock decrement for an order was committed.
// StockReconciliationFailed is the reconciliation flag: the order is accepted
// but at least one line did not reduce inventory.
type StockStatus string

const (
	StockStatusPending            StockStatus = "pending"
	StockStatusApplied            StockStatus = "applied"
	StockStatusReconciliationFail StockStatus = "reconciliation_failed"
	StockStatusReconciled         StockStatus = "reconciled"
)

// ShippingAddress is stored as a JSONB document on the order row
type ShippingAddress struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Value implements driver.Valuer
func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *ShippingAddress) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = ShippingAddress{}
		return nil
	}
	return errors.New("unsupported shipping address type")
}

// OrderLineItem is one product line of an order. Price is captured when the
// order is assembled and never follows later product price changes.
type OrderLineItem struct {
	OrderID      uuid.UUID       `db:"order_id" json:"-"`
	Position     int             `db:"position" json:"-"`
	ProductID    uuid.UUID       `db:"product_id" json:"product"`
	Quantity     int             `db:"quantity" json:"quantity"`
	Price        decimal.Decimal `db:"price" json:"price"`
	StockApplied bool            `db:"stock_applied" json:"stockApplied"`
}

// Subtotal returns price * quantity
func (li OrderLineItem) Subtotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order represents a consumer order
type Order struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	ConsumerID      uuid.UUID        `db:"consumer_id" json:"consumer"`
	Items           []OrderLineItem  `db:"-" json:"products"`
	TotalAmount     decimal.Decimal  `db:"total_amount" json:"totalAmount"`
	Status          OrderStatus      `db:"status" json:"status"`
	StockStatus     StockStatus      `db:"stock_status" json:"stockStatus"`
	StockError      string           `db:"stock_error" json:"stockError,omitempty"`
	ShippingAddress *ShippingAddress `db:"shipping_address" json:"shippingAddress,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updatedAt"`
}

// LineTotal sums the captured line prices
func (o *Order) LineTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// PendingDecrements lists the lines whose stock has not been taken yet
func (o *Order) PendingDecrements() []StockDecrement {
	var out []StockDecrement
	for _, item := range o.Items {
		if !item.StockApplied {
			out = append(out, StockDecrement{ProductID: item.ProductID, Amount: item.Quantity})
		}
	}
	return out
}

// StockDecrement is an instruction to take Amount units of a product,
// applied only while the stored quantity is at least Amount.
type StockDecrement struct {
	ProductID uuid.UUID
	Amount    int
}

// DecrementOutcome is the per-item result of a batched conditional decrement
type DecrementOutcome struct {
	ProductID uuid.UUID
	Amount    int
	Applied   bool
	Err       error
}

// ProductFilter drives product listing
type ProductFilter struct {
	Category string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Search   string
	Page     int
	Limit    int
}

// Offset returns the number of rows to skip
func (f ProductFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// CacheKey is a normalized representation used by the listing cache
func (f ProductFilter) CacheKey() string {
	minPrice, maxPrice := "", ""
	if f.MinPrice != nil {
		minPrice = f.MinPrice.String()
	}
	if f.MaxPrice != nil {
		maxPrice = f.MaxPrice.String()
	}
	return fmt.Sprintf("c=%s|min=%s|max=%s|q=%s|p=%d|l=%d",
		f.Category, minPrice, maxPrice, f.Search, f.Page, f.Limit)
}

// ProductPage is one page of a product listing
type ProductPage struct {
	Products      []Product `json:"products"`
	Page          int       `json:"page"`
	Limit         int       `json:"limit"`
	TotalPages    int       `json:"totalPages"`
	TotalProducts int64     `json:"totalProducts"`
}

// OrderPage is one page of the admin order listing
type OrderPage struct {
	Orders      []Order `json:"orders"`
	Page        int     `json:"page"`
	Limit       int     `json:"limit"`
	TotalPages  int     `json:"totalPages"`
	TotalOrders int64   `json:"totalOrders"`
}

// TotalPages computes ceil(total/limit)
func TotalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	pages := int(total) / limit
	if int(total)%limit > 0 {
		pages++
	}
	return pages
}

// IdempotencyClaim is the result of claiming a client-supplied idempotency
// key. When Acquired is false and OrderID is set, the key already produced
// that order; when both are zero values another request holds the key.
type IdempotencyClaim struct {
	Acquired bool
	OrderID  uuid.UUID
}
