// ABOUTME: Escalation queue adapters behind a single Enqueue contract
// ABOUTME: Outbox table in the repository, HTTP webhook, or no-op

package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/triage-gateway/internal/store"
)

// Queue hands a ticket to the agent-facing system. Implementations make a
// single attempt; the coordinator bounds it with a timeout.
type Queue interface {
	Enqueue(ctx context.Context, ticket *store.EscalationTicket) error
}

// Payload is the wire form of a queued ticket.
type Payload struct {
	TicketID       string    `json:"ticket_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         *string   `json:"user_id,omitempty"`
	Reason         string    `json:"reason"`
	TriggerText    string    `json:"trigger_text"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewPayload builds the wire form of a ticket.
func NewPayload(t *store.EscalationTicket) Payload {
	return Payload{
		TicketID:       t.ID,
		ConversationID: t.ConversationID,
		UserID:         t.UserID,
		Reason:         t.Reason,
		TriggerText:    t.TriggerText,
		CreatedAt:      t.CreatedAt,
	}
}

// NopQueue drops every ticket. Used when no queue is configured.
type NopQueue struct{}

// Enqueue implements Queue.
func (NopQueue) Enqueue(context.Context, *store.EscalationTicket) error { return nil }

// StoreQueue writes tickets into the repository's escalation outbox.
type StoreQueue struct {
	repo store.Repository
}

// NewStoreQueue creates an outbox-backed queue.
func NewStoreQueue(repo store.Repository) *StoreQueue {
	return &StoreQueue{repo: repo}
}

// Enqueue implements Queue.
func (q *StoreQueue) Enqueue(ctx context.Context, ticket *store.EscalationTicket) error {
	body, err := json.Marshal(NewPayload(ticket))
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return q.repo.EnqueueEscalation(ctx, ticket.ID, body)
}

// WebhookQueue POSTs each ticket to an HTTP endpoint.
type WebhookQueue struct {
	client *resty.Client
	url    string
}

// NewWebhookQueue creates a webhook queue. When secret is non-empty it is sent
// as a bearer token.
func NewWebhookQueue(url, secret string) *WebhookQueue {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	if secret != "" {
		client.SetAuthToken(secret)
	}
	return &WebhookQueue{client: client, url: url}
}

// Enqueue implements Queue.
func (q *WebhookQueue) Enqueue(ctx context.Context, ticket *store.EscalationTicket) error {
	resp, err := q.client.R().
		SetContext(ctx).
		SetBody(NewPayload(ticket)).
		Post(q.url)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
