// Package events defines the inbound event payloads consumed by the worker.
// Field names follow the JSON emitted by the order and user services.
package events

import "github.com/shopspring/decimal"

// Default channel names. Deployments may override them through configuration.
const (
	QueueOrderCreated   = "order_created_queue"
	QueueUserRegistered = "user_registered_queue"
	QueueProductUpdated = "product_updated_queue"
)

// OrderCreatedEvent is published by the order service once an order is placed.
type OrderCreatedEvent struct {
	OrderID int64       `json:"orderId" validate:"required"`
	UserID  int64       `json:"userId"`
	Email   string      `json:"email" validate:"required,email"`
	Items   []OrderItem `json:"orderItems" validate:"dive"`
}

// OrderItem is one line of an order as captured at checkout.
type OrderItem struct {
	ProductID   int64           `json:"productId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	Stock       int             `json:"stock" validate:"gte=0"`
	Quantity    int             `json:"quantity" validate:"gte=0"`
}

// Subtotal returns price × quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// UserRegisteredEvent is published by the user service after sign-up.
type UserRegisteredEvent struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required"`
}

// ProductUpdatedEvent is published by the catalog service when stock changes.
type ProductUpdatedEvent struct {
	ProductID   int64  `json:"productId" validate:"required"`
	ProductName string `json:"productName" validate:"required"`
	OldStock    int    `json:"oldStock"`
	NewStock    int    `json:"newStock"`
}
