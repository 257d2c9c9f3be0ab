// ABOUTME: Tests for the REST commerce client against an httptest server
// ABOUTME: Covers path/query wiring, the API key header and 404 mapping

package commerce

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommerceServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.PathValue("id") != "12345" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Order{ID: "12345", Status: StatusShipped, EstimatedDelivery: "2025-06-10"})
	})
	mux.HandleFunc("GET /orders/{id}/shipping", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Shipping{OrderID: r.PathValue("id"), Status: StatusShipped, TrackingNumber: "1ZTEST"})
	})
	mux.HandleFunc("GET /products", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "superwidget" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Product{SKU: "SW001", Name: "SuperWidget", Price: 29.99, InStock: true})
	})
	mux.HandleFunc("POST /returns", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["item"] == "boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Return{ReturnID: "RET-" + body["order_id"], OrderID: body["order_id"], Item: body["item"], Status: "Return initiated"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient(t *testing.T) {
	srv := newCommerceServer(t)
	c := NewHTTPClient(srv.URL, "k", 2*time.Second)
	ctx := t.Context()

	o, err := c.GetOrderDetails(ctx, "12345")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, o.Status)

	_, err = c.GetOrderDetails(ctx, "99999")
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := c.GetProductInfo(ctx, "superwidget")
	require.NoError(t, err)
	assert.Equal(t, "SW001", p.SKU)

	_, err = c.GetProductInfo(ctx, "nothing")
	assert.ErrorIs(t, err, ErrNotFound)

	r, err := c.RequestReturn(ctx, "12345", "SW001", "defective")
	require.NoError(t, err)
	assert.Equal(t, "RET-12345", r.ReturnID)

	_, err = c.RequestReturn(ctx, "12345", "boom", "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	s, err := c.CheckShipping(ctx, "12345")
	require.NoError(t, err)
	assert.Equal(t, "1ZTEST", s.TrackingNumber)
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	srv := newCommerceServer(t)
	c := NewHTTPClient(srv.URL, "", time.Second)

	_, err := c.GetOrderDetails(t.Context(), "12345")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
