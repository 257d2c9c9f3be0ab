// ABOUTME: REST implementation of the commerce Client using resty
// ABOUTME: Maps 404 responses to ErrNotFound and other failures to wrapped errors

package commerce

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPClient talks to a commerce REST backend.
type HTTPClient struct {
	client *resty.Client
}

// NewHTTPClient creates a client for baseURL. apiKey is sent as X-API-Key
// when non-empty.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	return &HTTPClient{client: client}
}

// GetOrderDetails implements Client.
func (c *HTTPClient) GetOrderDetails(ctx context.Context, orderID string) (*Order, error) {
	var out Order
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", orderID).
		SetResult(&out).
		Get("/orders/{id}")
	if err := check(resp, err, "order "+orderID); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProductInfo implements Client.
func (c *HTTPClient) GetProductInfo(ctx context.Context, query string) (*Product, error) {
	var out Product
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetResult(&out).
		Get("/products")
	if err := check(resp, err, fmt.Sprintf("product %q", query)); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestReturn implements Client.
func (c *HTTPClient) RequestReturn(ctx context.Context, orderID, item, reason string) (*Return, error) {
	var out Return
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"order_id": orderID,
			"item":     item,
			"reason":   reason,
		}).
		SetResult(&out).
		Post("/returns")
	if err := check(resp, err, fmt.Sprintf("item %q in order %s", item, orderID)); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckShipping implements Client.
func (c *HTTPClient) CheckShipping(ctx context.Context, orderID string) (*Shipping, error) {
	var out Shipping
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", orderID).
		SetResult(&out).
		Get("/orders/{id}/shipping")
	if err := check(resp, err, "shipping for order "+orderID); err != nil {
		return nil, err
	}
	return &out, nil
}

func check(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("requesting %s: %w", what, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if resp.IsError() {
		return fmt.Errorf("requesting %s: status %d", what, resp.StatusCode())
	}
	return nil
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)
