// ABOUTME: Repository interface and data types for triage-gateway persistence
// ABOUTME: Defines Conversation, Message, EscalationTicket and Feedback records

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a ticket status change would move backwards
var ErrInvalidTransition = errors.New("invalid ticket status transition")

// Sender identifies who authored a message
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
)

// Valid reports whether s is one of the known sender roles.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderBot, SenderSystem:
		return true
	}
	return false
}

// Conversation is a logical chat session between one user and the gateway.
type Conversation struct {
	ID        string
	UserID    *string
	StartedAt time.Time
	EndedAt   *time.Time
	Escalated bool
}

// Clone returns a deep copy so callers never share pointers with the owner.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.UserID != nil {
		uid := *c.UserID
		out.UserID = &uid
	}
	if c.EndedAt != nil {
		end := *c.EndedAt
		out.EndedAt = &end
	}
	return &out
}

// Message is a single entry in a conversation's history
type Message struct {
	ID             string
	ConversationID string
	Content        string
	Sender         Sender
	Timestamp      time.Time
	Intent         *string  // set on user messages once classified
	Confidence     *float64 // set together with Intent
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Intent != nil {
		in := *m.Intent
		out.Intent = &in
	}
	if m.Confidence != nil {
		c := *m.Confidence
		out.Confidence = &c
	}
	return &out
}

// TicketStatus is the lifecycle state of an escalation ticket
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketAssigned TicketStatus = "assigned"
	TicketResolved TicketStatus = "resolved"
	TicketClosed   TicketStatus = "closed"
)

// ticketTransitions lists the forward moves allowed from each status.
var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketPending:  {TicketAssigned, TicketResolved, TicketClosed},
	TicketAssigned: {TicketResolved, TicketClosed},
	TicketResolved: {TicketClosed},
	TicketClosed:   {},
}

// ParseTicketStatus converts a string into a known TicketStatus.
func ParseTicketStatus(s string) (TicketStatus, error) {
	st := TicketStatus(s)
	if _, ok := ticketTransitions[st]; !ok {
		return "", fmt.Errorf("unknown ticket status %q", s)
	}
	return st, nil
}

// CanTransition reports whether a ticket may move from s to next.
func (s TicketStatus) CanTransition(next TicketStatus) bool {
	for _, allowed := range ticketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s TicketStatus) IsTerminal() bool {
	next, ok := ticketTransitions[s]
	return ok && len(next) == 0
}

// EscalationTicket hands a conversation off to a human agent
type EscalationTicket struct {
	ID             string
	ConversationID string
	UserID         *string
	Status         TicketStatus
	AssignedAgent  *string
	Reason         string
	TriggerText    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Feedback is a user rating attached to a conversation
type Feedback struct {
	ID             string
	ConversationID string
	MessageID      *string
	Rating         int // 1-5
	Comment        string
	CreatedAt      time.Time
}

// QueuedEscalation is an outbox row waiting for the agent-facing consumer
type QueuedEscalation struct {
	ID         string
	TicketID   string
	Payload    []byte
	EnqueuedAt time.Time
}

// Repository defines the persistence sink for the gateway. The in-process
// session manager stays authoritative for live routing; the repository keeps
// a durable copy.
type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	UpdateMessageClassification(ctx context.Context, messageID, intent string, confidence float64) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Escalation tickets
	CreateTicket(ctx context.Context, ticket *EscalationTicket) error
	GetTicket(ctx context.Context, id string) (*EscalationTicket, error)
	UpdateTicketStatus(ctx context.Context, id string, status TicketStatus, assignedAgent *string) (*EscalationTicket, error)
	ListTickets(ctx context.Context, status TicketStatus, limit int) ([]*EscalationTicket, error)

	// Escalation outbox
	EnqueueEscalation(ctx context.Context, ticketID string, payload []byte) error
	ListQueuedEscalations(ctx context.Context, limit int) ([]*QueuedEscalation, error)

	// Feedback
	SaveFeedback(ctx context.Context, fb *Feedback) error

	// Close releases any resources held by the store
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func newID() string {
	return uuid.New().String()
}
