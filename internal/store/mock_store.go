// ABOUTME: Mock Repository implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Repository implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID
	messageIndex  map[string]string     // message ID -> conversation ID
	tickets       map[string]*EscalationTicket
	queue         []*QueuedEscalation
	feedback      map[string]*Feedback
	writeErr      error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]string),
		tickets:       make(map[string]*EscalationTicket),
		feedback:      make(map[string]*Feedback),
	}
}

// FailWrites makes every subsequent write return err. Pass nil to restore.
func (m *MockStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// UpdateConversation replaces the mutable fields of a conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	updated := existing.Clone()
	updated.Escalated = conv.Escalated
	if conv.EndedAt != nil {
		end := *conv.EndedAt
		updated.EndedAt = &end
	} else {
		updated.EndedAt = nil
	}
	m.conversations[conv.ID] = updated
	return nil
}

// SaveMessage appends a message to its conversation.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("saving message for conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg.Clone())
	m.messageIndex[msg.ID] = msg.ConversationID
	return nil
}

// UpdateMessageClassification sets intent and confidence on a stored message.
func (m *MockStore) UpdateMessageClassification(ctx context.Context, messageID, intent string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	convID, ok := m.messageIndex[messageID]
	if !ok {
		return ErrNotFound
	}
	for _, msg := range m.messages[convID] {
		if msg.ID == messageID {
			in, c := intent, confidence
			msg.Intent = &in
			msg.Confidence = &c
			return nil
		}
	}
	return ErrNotFound
}

// ListMessages returns the newest limit messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	msgs := m.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Clone())
	}
	return out, nil
}

// CreateTicket stores a new escalation ticket.
func (m *MockStore) CreateTicket(ctx context.Context, ticket *EscalationTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.conversations[ticket.ConversationID]; !ok {
		return fmt.Errorf("creating ticket for conversation %s: %w", ticket.ConversationID, ErrNotFound)
	}
	t := cloneTicket(ticket)
	m.tickets[t.ID] = t
	return nil
}

// GetTicket retrieves a ticket by ID.
func (m *MockStore) GetTicket(ctx context.Context, id string) (*EscalationTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTicket(t), nil
}

// UpdateTicketStatus applies a forward-only status change.
func (m *MockStore) UpdateTicketStatus(ctx context.Context, id string, status TicketStatus, assignedAgent *string) (*EscalationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return nil, m.writeErr
	}
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	t.Status = status
	if assignedAgent != nil {
		a := *assignedAgent
		t.AssignedAgent = &a
	}
	t.UpdatedAt = time.Now()
	return cloneTicket(t), nil
}

// ListTickets returns tickets newest first, optionally filtered by status.
func (m *MockStore) ListTickets(ctx context.Context, status TicketStatus, limit int) ([]*EscalationTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*EscalationTicket
	for _, t := range m.tickets {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, cloneTicket(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnqueueEscalation appends a payload to the in-memory outbox.
func (m *MockStore) EnqueueEscalation(ctx context.Context, ticketID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.tickets[ticketID]; !ok {
		return fmt.Errorf("enqueueing ticket %s: %w", ticketID, ErrNotFound)
	}
	m.queue = append(m.queue, &QueuedEscalation{
		ID:         newID(),
		TicketID:   ticketID,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: time.Now(),
	})
	return nil
}

// ListQueuedEscalations returns outbox entries oldest first.
func (m *MockStore) ListQueuedEscalations(ctx context.Context, limit int) ([]*QueuedEscalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	out := make([]*QueuedEscalation, 0, min(limit, len(m.queue)))
	for i, q := range m.queue {
		if i >= limit {
			break
		}
		c := *q
		c.Payload = append([]byte(nil), q.Payload...)
		out = append(out, &c)
	}
	return out, nil
}

// SaveFeedback stores a feedback record.
func (m *MockStore) SaveFeedback(ctx context.Context, fb *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.conversations[fb.ConversationID]; !ok {
		return fmt.Errorf("saving feedback for conversation %s: %w", fb.ConversationID, ErrNotFound)
	}
	c := *fb
	m.feedback[c.ID] = &c
	return nil
}

// FeedbackFor returns all feedback recorded for a conversation.
func (m *MockStore) FeedbackFor(conversationID string) []*Feedback {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Feedback
	for _, fb := range m.feedback {
		if fb.ConversationID == conversationID {
			c := *fb
			out = append(out, &c)
		}
	}
	return out
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

func cloneTicket(t *EscalationTicket) *EscalationTicket {
	out := *t
	if t.UserID != nil {
		u := *t.UserID
		out.UserID = &u
	}
	if t.AssignedAgent != nil {
		a := *t.AssignedAgent
		out.AssignedAgent = &a
	}
	return &out
}

// Ensure MockStore implements Repository
var _ Repository = (*MockStore)(nil)
