// ABOUTME: Classifier adapter for a model server reached over HTTP
// ABOUTME: POSTs the text and validates the {intent, confidence, entities} answer

package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/triage-gateway/internal/intent"
)

// HTTP calls a remote intent model.
type HTTP struct {
	client *resty.Client
	url    string
}

// NewHTTP creates a classifier that POSTs {"text": ...} to url.
func NewHTTP(url, apiKey string, timeout time.Duration) *HTTP {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTP{client: client, url: url}
}

// Name identifies the classifier in logs and health output.
func (h *HTTP) Name() string { return "http" }

// Classify implements intent.Classifier.
func (h *HTTP) Classify(ctx context.Context, text string) (intent.Result, error) {
	var raw intent.Raw
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": text}).
		SetResult(&raw).
		Post(h.url)
	if err != nil {
		return intent.Result{}, fmt.Errorf("%w: %w", intent.ErrClassifierUnavailable, err)
	}
	if resp.IsError() {
		return intent.Result{}, fmt.Errorf("%w: status %d", intent.ErrClassifierUnavailable, resp.StatusCode())
	}
	return intent.Validate(raw)
}
