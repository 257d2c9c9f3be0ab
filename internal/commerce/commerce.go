// ABOUTME: Commerce collaborator contract used by the responder
// ABOUTME: Order, product, return and shipping lookups with a shared not-found error

package commerce

import (
	"context"
	"errors"
)

// ErrNotFound is returned for ordinary not-found outcomes (unknown order,
// product or item). The responder turns it into a polite reply.
var ErrNotFound = errors.New("not found")

// Order is the state of a customer order
type Order struct {
	ID                string   `json:"id"`
	Status            string   `json:"status"`
	EstimatedDelivery string   `json:"estimated_delivery,omitempty"`
	DeliveryDate      string   `json:"delivery_date,omitempty"`
	Items             []string `json:"items"`
	ShippingAddress   string   `json:"shipping_address,omitempty"`
}

// Product is a catalog entry
type Product struct {
	SKU         string  `json:"id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	InStock     bool    `json:"in_stock"`
	Description string  `json:"description"`
	Category    string  `json:"category,omitempty"`
}

// Return is the outcome of a return request
type Return struct {
	ReturnID string `json:"return_ticket_id"`
	OrderID  string `json:"order_id"`
	Item     string `json:"item_returned"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// Shipping describes where an order is in delivery
type Shipping struct {
	OrderID           string `json:"order_id"`
	Status            string `json:"status"`
	TrackingNumber    string `json:"tracking_number,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
	DeliveryDate      string `json:"delivery_date,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Client is the narrow interface to the commerce backend.
type Client interface {
	GetOrderDetails(ctx context.Context, orderID string) (*Order, error)
	GetProductInfo(ctx context.Context, query string) (*Product, error)
	RequestReturn(ctx context.Context, orderID, item, reason string) (*Return, error)
	CheckShipping(ctx context.Context, orderID string) (*Shipping, error)
}
