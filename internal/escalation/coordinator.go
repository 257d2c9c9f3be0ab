// ABOUTME: Escalation policy and ticket issuance for human hand-off
// ABOUTME: Marks the conversation, persists a pending ticket and makes one bounded enqueue attempt

package escalation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/triage-gateway/internal/intent"
	"github.com/2389/triage-gateway/internal/store"
)

// ErrEnqueue wraps a failed hand-off to the escalation queue. It is logged and
// counted, never returned to the turn.
var ErrEnqueue = errors.New("escalation enqueue failed")

// Reasons recorded on tickets
const (
	ReasonRequested     = "requested_human_agent"
	ReasonLowConfidence = "low_confidence"
)

// DefaultEnqueueTimeout bounds the single enqueue attempt.
const DefaultEnqueueTimeout = 3 * time.Second

// Decide reports whether a turn must escalate: the confidence is below the
// threshold, or the user asked for a human.
func Decide(in intent.Intent, confidence, threshold float64) bool {
	return confidence < threshold || in == intent.HumanAgent
}

// Reason picks the ticket reason for an escalating turn.
func Reason(in intent.Intent) string {
	if in == intent.HumanAgent {
		return ReasonRequested
	}
	return ReasonLowConfidence
}

// HandoffText is the only response text of an escalated turn.
func HandoffText(ticketID string) string {
	return "I'm not quite sure how to best assist with that, or you've requested help. " +
		"I'm connecting you to a human agent. Your Ticket ID is: " + ticketID
}

// Marker flags a conversation as escalated. session.Manager implements it.
type Marker interface {
	MarkEscalated(ctx context.Context, conversationID string) error
}

// Stats are counters exposed for health reporting.
type Stats struct {
	TicketsCreated  int64
	EnqueueFailures int64
}

// Coordinator mints escalation tickets.
type Coordinator struct {
	sessions       Marker
	repo           store.Repository
	queue          Queue
	enqueueTimeout time.Duration
	logger         *slog.Logger

	ticketsCreated  atomic.Int64
	enqueueFailures atomic.Int64
}

// NewCoordinator creates a coordinator. A nil queue behaves like NopQueue; a
// non-positive timeout uses DefaultEnqueueTimeout. Pass nil logger for
// default.
func NewCoordinator(sessions Marker, repo store.Repository, queue Queue, enqueueTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == nil {
		queue = NopQueue{}
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = DefaultEnqueueTimeout
	}
	return &Coordinator{
		sessions:       sessions,
		repo:           repo,
		queue:          queue,
		enqueueTimeout: enqueueTimeout,
		logger:         logger.With("component", "escalation"),
	}
}

// Escalate marks the conversation escalated, persists a pending ticket and
// hands it to the queue. A queue failure does not fail the call: the ticket
// exists and is returned.
func (c *Coordinator) Escalate(ctx context.Context, conversationID, userID, triggerText, reason string) (*store.EscalationTicket, error) {
	if err := c.sessions.MarkEscalated(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("marking conversation escalated: %w", err)
	}

	now := time.Now().UTC()
	ticket := &store.EscalationTicket{
		ID:             NewTicketID(),
		ConversationID: conversationID,
		Status:         store.TicketPending,
		Reason:         reason,
		TriggerText:    triggerText,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if userID != "" {
		uid := userID
		ticket.UserID = &uid
	}

	if err := c.repo.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("creating ticket: %w", err)
	}
	c.ticketsCreated.Add(1)

	c.logger.Info("escalation ticket created",
		"ticket_id", ticket.ID,
		"conversation_id", conversationID,
		"reason", reason)

	enqueueCtx, cancel := context.WithTimeout(ctx, c.enqueueTimeout)
	defer cancel()

	if err := c.queue.Enqueue(enqueueCtx, ticket); err != nil {
		c.enqueueFailures.Add(1)
		c.logger.Error("failed to enqueue escalation",
			"ticket_id", ticket.ID,
			"conversation_id", conversationID,
			"error", fmt.Errorf("%w: %w", ErrEnqueue, err))
	}

	return ticket, nil
}

// Ticket fetches a ticket by id.
func (c *Coordinator) Ticket(ctx context.Context, id string) (*store.EscalationTicket, error) {
	return c.repo.GetTicket(ctx, id)
}

// Transition moves a ticket forward. assignedAgent may be nil to keep the
// current assignment.
func (c *Coordinator) Transition(ctx context.Context, id string, status store.TicketStatus, assignedAgent *string) (*store.EscalationTicket, error) {
	t, err := c.repo.UpdateTicketStatus(ctx, id, status, assignedAgent)
	if err != nil {
		return nil, err
	}
	c.logger.Info("ticket status changed", "ticket_id", id, "status", status)
	return t, nil
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		TicketsCreated:  c.ticketsCreated.Load(),
		EnqueueFailures: c.enqueueFailures.Load(),
	}
}

// NewTicketID returns an id of the form ESC-XXXXXXXXXX (upper-case hex).
func NewTicketID() string {
	var b [5]byte
	rand.Read(b[:])
	return "ESC-" + strings.ToUpper(hex.EncodeToString(b[:]))
}
