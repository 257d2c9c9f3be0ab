// ABOUTME: Authoritative in-process registry of conversations and their history
// ABOUTME: Writes through to the repository before mutating memory

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/triage-gateway/internal/store"
)

var (
	// ErrConversationNotFound is returned when a conversation id cannot be resolved
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned when a message id is stale or unknown
	ErrMessageNotFound = errors.New("message not found")
)

// hydrateLimit bounds how much history is loaded when a conversation is
// resolved from the repository.
const hydrateLimit = 1000

// entry holds one conversation and its history. mu serializes writes to the
// entry so the repository and memory stay in step.
type entry struct {
	mu      sync.Mutex
	conv    *store.Conversation
	history []*store.Message
}

// Manager owns live conversations. It is safe for concurrent use; operations
// on different conversations never contend beyond the map lookup.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*entry
	messageIndex  map[string]string // message ID -> conversation ID

	repo   store.Repository
	turns  *keyedMutex
	mux    *Multiplexer
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a session manager backed by repo. Pass nil logger for
// default.
func NewManager(repo store.Repository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conversations: make(map[string]*entry),
		messageIndex:  make(map[string]string),
		repo:          repo,
		turns:         newKeyedMutex(),
		mux:           NewMultiplexer(logger),
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger.With("component", "session"),
	}
}

// Connections returns the multiplexer that tracks live connections.
func (m *Manager) Connections() *Multiplexer {
	return m.mux
}

// Lock serializes work on one conversation. The returned function releases
// the lock; it is safe to call more than once.
func (m *Manager) Lock(conversationID string) func() {
	return m.turns.lock(conversationID)
}

// GetOrCreate resolves conversationID, checking memory first and then the
// repository. When the id is empty or unknown a new conversation with a
// fresh id is created for userID (empty means anonymous). The bool reports
// whether a conversation was created.
func (m *Manager) GetOrCreate(ctx context.Context, userID, conversationID string) (*store.Conversation, bool, error) {
	if conversationID != "" {
		e, err := m.load(ctx, conversationID)
		if err == nil {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.conv.Clone(), false, nil
		}
		if !errors.Is(err, ErrConversationNotFound) {
			return nil, false, err
		}
		m.logger.Info("unknown conversation id, starting a new conversation",
			"requested_id", conversationID)
	}

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		StartedAt: m.now(),
	}
	if userID != "" {
		uid := userID
		conv.UserID = &uid
	}

	if err := m.repo.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	m.mu.Lock()
	m.conversations[conv.ID] = &entry{conv: conv.Clone()}
	m.mu.Unlock()

	m.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"user_id", userID)

	return conv, true, nil
}

// Get returns a copy of the conversation.
func (m *Manager) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	e, err := m.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), nil
}

// History returns copies of the conversation's messages in append order.
func (m *Manager) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	e, err := m.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*store.Message, len(e.history))
	for i, msg := range e.history {
		out[i] = msg.Clone()
	}
	return out, nil
}

// AppendMessage records a message on the conversation and returns a copy of
// what was stored. in and confidence may be nil.
func (m *Manager) AppendMessage(ctx context.Context, conversationID, content string, sender store.Sender, in *string, confidence *float64) (*store.Message, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("invalid sender %q", sender)
	}

	e, err := m.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Content:        content,
		Sender:         sender,
		Timestamp:      m.now(),
		Intent:         in,
		Confidence:     confidence,
	}
	msg = msg.Clone() // detach caller-owned pointers

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.repo.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		return nil, fmt.Errorf("saving message: %w", err)
	}

	e.history = append(e.history, msg)
	m.mu.Lock()
	// An evicted entry is re-hydrated from the repository, which has msg
	if m.conversations[conversationID] == e {
		m.messageIndex[msg.ID] = conversationID
	}
	m.mu.Unlock()

	return msg.Clone(), nil
}

// UpdateMessageClassification attaches intent and confidence to a previously
// appended message.
func (m *Manager) UpdateMessageClassification(ctx context.Context, messageID, in string, confidence float64) error {
	m.mu.RLock()
	convID, ok := m.messageIndex[messageID]
	e := m.conversations[convID]
	m.mu.RUnlock()
	if !ok || e == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var target *store.Message
	for _, msg := range e.history {
		if msg.ID == messageID {
			target = msg
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	if err := m.repo.UpdateMessageClassification(ctx, messageID, in, confidence); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		return fmt.Errorf("updating message classification: %w", err)
	}

	label, c := in, confidence
	target.Intent = &label
	target.Confidence = &c
	return nil
}

// Close ends the conversation. Closing an already closed conversation is a
// no-op that returns the existing record.
func (m *Manager) Close(ctx context.Context, conversationID string) (*store.Conversation, error) {
	e, err := m.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conv.EndedAt != nil {
		return e.conv.Clone(), nil
	}

	updated := e.conv.Clone()
	end := m.now()
	updated.EndedAt = &end

	if err := m.repo.UpdateConversation(ctx, updated); err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}
	e.conv = updated

	m.logger.Info("conversation closed", "conversation_id", conversationID)
	return updated.Clone(), nil
}

// MarkEscalated sets the conversation's escalated flag. The flag never goes
// back to false.
func (m *Manager) MarkEscalated(ctx context.Context, conversationID string) error {
	e, err := m.load(ctx, conversationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conv.Escalated {
		return nil
	}

	updated := e.conv.Clone()
	updated.Escalated = true

	if err := m.repo.UpdateConversation(ctx, updated); err != nil {
		return fmt.Errorf("marking conversation escalated: %w", err)
	}
	e.conv = updated
	return nil
}

// Evict drops a closed conversation from memory once no connection is left on
// it, along with its message index. It waits for any turn in progress on the
// conversation, so callers must not hold its Lock. The repository keeps the
// record; a later lookup hydrates it again. Reports whether it evicted.
func (m *Manager) Evict(conversationID string) bool {
	unlock := m.turns.lock(conversationID)
	defer unlock()

	m.mu.RLock()
	e, ok := m.conversations[conversationID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	ended := e.conv.EndedAt != nil
	ids := make([]string, len(e.history))
	for i, msg := range e.history {
		ids[i] = msg.ID
	}
	e.mu.Unlock()

	if !ended || m.mux.Count(conversationID) > 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversations[conversationID] != e {
		return false
	}
	delete(m.conversations, conversationID)
	for _, id := range ids {
		delete(m.messageIndex, id)
	}

	m.logger.Debug("closed conversation evicted",
		"conversation_id", conversationID,
		"messages", len(ids))
	return true
}

// Active returns the number of conversations held in memory.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// load returns the in-memory entry, hydrating it from the repository when it
// is not resident.
func (m *Manager) load(ctx context.Context, conversationID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.conversations[conversationID]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	conv, err := m.repo.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	history, err := m.repo.ListMessages(ctx, conversationID, hydrateLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have hydrated it while we were reading
	if existing, ok := m.conversations[conversationID]; ok {
		return existing, nil
	}

	e = &entry{conv: conv, history: history}
	m.conversations[conversationID] = e
	for _, msg := range history {
		m.messageIndex[msg.ID] = conversationID
	}

	m.logger.Debug("conversation hydrated from repository",
		"conversation_id", conversationID,
		"messages", len(history))
	return e, nil
}
