// ABOUTME: Tests for MockStore behavior that other packages rely on
// ABOUTME: Covers copy-on-read isolation and injected write failures

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	seedConversation(t, m, "conv-1")

	got, err := m.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	got.Escalated = true
	*got.UserID = "someone-else"

	again, _ := m.GetConversation(ctx, "conv-1")
	if again.Escalated || *again.UserID != "user-1" {
		t.Error("mutating a returned conversation leaked into the store")
	}
}

func TestMockStore_FailWrites(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	seedConversation(t, m, "conv-1")

	boom := errors.New("disk full")
	m.FailWrites(boom)

	err := m.SaveMessage(ctx, &Message{ID: "m1", ConversationID: "conv-1", Content: "hi", Sender: SenderUser, Timestamp: time.Now()})
	if !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}

	msgs, _ := m.ListMessages(ctx, "conv-1", 10)
	if len(msgs) != 0 {
		t.Errorf("failed write left %d messages behind", len(msgs))
	}

	m.FailWrites(nil)
	if err := m.SaveMessage(ctx, &Message{ID: "m1", ConversationID: "conv-1", Content: "hi", Sender: SenderUser, Timestamp: time.Now()}); err != nil {
		t.Errorf("SaveMessage after restore failed: %v", err)
	}
}

func TestMockStore_UpdateTicketStatusRejectsBackwards(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	seedConversation(t, m, "conv-1")

	now := time.Now()
	if err := m.CreateTicket(ctx, &EscalationTicket{ID: "ESC-1", ConversationID: "conv-1", Status: TicketResolved, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}

	if _, err := m.UpdateTicketStatus(ctx, "ESC-1", TicketAssigned, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}
