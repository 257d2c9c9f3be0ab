// ABOUTME: In-memory demo catalog implementing the commerce Client
// ABOUTME: Seeded with a handful of orders and products for local runs and tests

package commerce

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Order statuses used by the catalog
const (
	StatusProcessing = "Processing"
	StatusShipped    = "Shipped"
	StatusDelivered  = "Delivered"
)

// Catalog is an in-memory Client.
type Catalog struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	products []*Product // ordered, first substring match wins
	suffix   func() int
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		orders: make(map[string]*Order),
		suffix: func() int { return 100 + rand.IntN(900) },
	}
}

// NewDemoCatalog creates a catalog seeded with demo data.
func NewDemoCatalog() *Catalog {
	c := NewCatalog()

	c.AddOrder(&Order{ID: "12345", Status: StatusShipped, EstimatedDelivery: "2025-06-10", Items: []string{"SuperWidget", "MegaDongle"}, ShippingAddress: "123 Main St, Anytown, USA"})
	c.AddOrder(&Order{ID: "67890", Status: StatusProcessing, EstimatedDelivery: "2025-06-12", Items: []string{"AwesomeGadget"}, ShippingAddress: "456 Oak Ave, Otherville, USA"})
	c.AddOrder(&Order{ID: "77777", Status: StatusDelivered, DeliveryDate: "2025-05-20", Items: []string{"HyperFlux Capacitor"}, ShippingAddress: "789 Pine Ln, Somewhere, USA"})

	c.AddProduct(&Product{SKU: "SW001", Name: "SuperWidget", Price: 29.99, InStock: true, Description: "A truly super widget for all your needs.", Category: "Widgets"})
	c.AddProduct(&Product{SKU: "MD002", Name: "MegaDongle", Price: 15.50, InStock: true, Description: "The most mega dongle you will ever own.", Category: "Accessories"})
	c.AddProduct(&Product{SKU: "AG003", Name: "AwesomeGadget", Price: 99.00, InStock: false, Description: "An awesome gadget, currently out of stock. Expected restock: 2025-07-01.", Category: "Gadgets"})
	c.AddProduct(&Product{SKU: "HFC004", Name: "HyperFlux Capacitor", Price: 1210.00, InStock: true, Description: "Powers time travel (theoretically).", Category: "Advanced Tech"})
	c.AddProduct(&Product{SKU: "GP005", Name: "Generic Product", Price: 10.00, InStock: true, Description: "A standard product.", Category: "General"})

	return c
}

// AddOrder inserts or replaces an order.
func (c *Catalog) AddOrder(o *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *o
	cp.Items = append([]string(nil), o.Items...)
	c.orders[o.ID] = &cp
}

// AddProduct appends a product.
func (c *Catalog) AddProduct(p *Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.products = append(c.products, &cp)
}

// GetOrderDetails implements Client.
func (c *Catalog) GetOrderDetails(ctx context.Context, orderID string) (*Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	cp := *o
	cp.Items = append([]string(nil), o.Items...)
	return &cp, nil
}

// GetProductInfo implements Client. The query matches case-insensitively as
// a substring of the product name, or exactly against the SKU.
func (c *Catalog) GetProductInfo(ctx context.Context, query string) (*Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p := c.findProduct(query); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("product %q: %w", query, ErrNotFound)
}

func (c *Catalog) findProduct(query string) *Product {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	for _, p := range c.products {
		if strings.EqualFold(p.SKU, q) || strings.Contains(strings.ToLower(p.Name), q) {
			return p
		}
	}
	return nil
}

// RequestReturn implements Client. item may be a product name fragment or a
// SKU; it must belong to the order.
func (c *Catalog) RequestReturn(ctx context.Context, orderID, item, reason string) (*Return, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}

	// Resolve SKUs to names so either form matches the order's items
	needle := strings.ToLower(item)
	if p := c.findProduct(item); p != nil && strings.EqualFold(p.SKU, item) {
		needle = strings.ToLower(p.Name)
	}

	found := false
	for _, it := range o.Items {
		if strings.Contains(strings.ToLower(it), needle) {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("item %q in order %s: %w", item, orderID, ErrNotFound)
	}

	prefix := strings.ToUpper(item)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}

	return &Return{
		ReturnID: fmt.Sprintf("RET-%s-%s%d", orderID, prefix, c.suffix()),
		OrderID:  orderID,
		Item:     item,
		Status:   "Return initiated",
		Message:  "Please check your email for a return shipping label and further instructions.",
	}, nil
}

// CheckShipping implements Client.
func (c *Catalog) CheckShipping(ctx context.Context, orderID string) (*Shipping, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}

	s := &Shipping{OrderID: orderID, Status: o.Status}
	switch o.Status {
	case StatusShipped:
		s.TrackingNumber = "1Z" + orderID + "FAKETRACK"
		s.EstimatedDelivery = o.EstimatedDelivery
	case StatusDelivered:
		s.DeliveryDate = o.DeliveryDate
	default:
		s.Message = "Shipping information will be available once the order is shipped."
	}
	return s, nil
}

// Ensure Catalog implements Client
var _ Client = (*Catalog)(nil)
