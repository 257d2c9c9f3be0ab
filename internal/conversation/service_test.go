// ABOUTME: End-to-end tests for the turn orchestrator
// ABOUTME: Uses MockStore, the demo catalog and a scripted classifier

package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/triage-gateway/internal/commerce"
	"github.com/2389/triage-gateway/internal/entity"
	"github.com/2389/triage-gateway/internal/escalation"
	"github.com/2389/triage-gateway/internal/intent"
	"github.com/2389/triage-gateway/internal/session"
	"github.com/2389/triage-gateway/internal/store"
)

// scriptedClassifier answers from a fixed result or error and counts calls.
type scriptedClassifier struct {
	mu    sync.Mutex
	res   intent.Result
	err   error
	calls atomic.Int32
}

func (c *scriptedClassifier) set(in intent.Intent, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res = intent.Result{Intent: in, Confidence: confidence}
	c.err = nil
}

func (c *scriptedClassifier) Classify(ctx context.Context, text string) (intent.Result, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res, c.err
}

// recordingConn captures broadcast payloads.
type recordingConn struct {
	id  string
	mu  sync.Mutex
	got []*TurnResult
	err error
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(ctx context.Context, payload any) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, payload.(*TurnResult))
	return nil
}

func (c *recordingConn) results() []*TurnResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*TurnResult(nil), c.got...)
}

type testEnv struct {
	svc         *Service
	repo        *store.MockStore
	sessions    *session.Manager
	coordinator *escalation.Coordinator
	classifier  *scriptedClassifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMockStore()
	sessions := session.NewManager(repo, nil)
	coordinator := escalation.NewCoordinator(sessions, repo, escalation.NewStoreQueue(repo), time.Second, nil)
	classifier := &scriptedClassifier{}
	svc := New(sessions, classifier, coordinator, NewResponder(commerce.NewDemoCatalog(), nil), Options{Threshold: 0.7}, nil)
	return &testEnv{svc: svc, repo: repo, sessions: sessions, coordinator: coordinator, classifier: classifier}
}

func TestHandleTurn_ScenarioA_TrackOrder(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.TrackOrder, 0.92)

	res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "where is order 456789", UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, intent.TrackOrder, res.Intent)
	assert.Equal(t, 0.92, res.Confidence)
	assert.Equal(t, "456789", res.Entities[entity.OrderID])
	assert.False(t, res.RequiresEscalation)
	assert.Empty(t, res.EscalationTicketID)
	assert.Contains(t, res.ResponseText, "456789")

	history, err := env.sessions.History(t.Context(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, store.SenderUser, history[0].Sender)
	assert.Equal(t, res.UserMessageID, history[0].ID)
	require.NotNil(t, history[0].Intent)
	assert.Equal(t, "track_order", *history[0].Intent)
	assert.Equal(t, 0.92, *history[0].Confidence)

	assert.Equal(t, store.SenderBot, history[1].Sender)
	assert.Equal(t, res.BotMessageID, history[1].ID)
	assert.Equal(t, res.ResponseText, history[1].Content)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))
}

func TestHandleTurn_ScenarioB_EmptyTextRejected(t *testing.T) {
	env := newTestEnv(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: text})
		assert.ErrorIs(t, err, ErrValidation)
	}

	assert.Equal(t, 0, env.sessions.Active(), "no conversation created")
	assert.Equal(t, int32(0), env.classifier.calls.Load())
}

func TestHandleTurn_ScenarioC_HumanAgentEscalatesDespiteConfidence(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.HumanAgent, 0.95)

	res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "let me talk to a person"})
	require.NoError(t, err)

	assert.True(t, res.RequiresEscalation)
	require.NotEmpty(t, res.EscalationTicketID)
	assert.Equal(t, escalation.HandoffText(res.EscalationTicketID), res.ResponseText)

	ticket, err := env.coordinator.Ticket(t.Context(), res.EscalationTicketID)
	require.NoError(t, err)
	assert.Equal(t, store.TicketPending, ticket.Status)
	assert.Equal(t, res.ConversationID, ticket.ConversationID)
	assert.Equal(t, escalation.ReasonRequested, ticket.Reason)
	assert.Equal(t, "let me talk to a person", ticket.TriggerText)

	conv, err := env.sessions.Get(t.Context(), res.ConversationID)
	require.NoError(t, err)
	assert.False(t, ticket.CreatedAt.Before(conv.StartedAt))

	queued, err := env.repo.ListQueuedEscalations(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, ticket.ID, queued[0].TicketID)

	// The hand-off text is the only bot reply
	history, err := env.sessions.History(t.Context(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, res.ResponseText, history[1].Content)
}

func TestHandleTurn_ScenarioD_ThresholdEscalationIsSticky(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.ProductInfo, 0.4)

	first, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "tell me about the SuperWidget"})
	require.NoError(t, err)
	assert.True(t, first.RequiresEscalation)

	ticket, err := env.coordinator.Ticket(t.Context(), first.EscalationTicketID)
	require.NoError(t, err)
	assert.Equal(t, escalation.ReasonLowConfidence, ticket.Reason)

	conv, err := env.sessions.Get(t.Context(), first.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.Escalated)

	env.classifier.set(intent.GeneralQuery, 0.2)
	second, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "what's the weather", ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	conv, err = env.sessions.Get(t.Context(), first.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.Escalated, "escalated flag never resets")

	stored, err := env.repo.GetConversation(t.Context(), first.ConversationID)
	require.NoError(t, err)
	assert.True(t, stored.Escalated)
}

func TestHandleTurn_ClassifierFailureEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.err = errors.New("model server down")

	res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "hello?"})
	require.NoError(t, err, "classifier failure never fails the turn")

	assert.Equal(t, intent.Fallback, res.Intent)
	assert.Equal(t, 0.0, res.Confidence)
	assert.True(t, res.RequiresEscalation)
	assert.NotEmpty(t, res.EscalationTicketID)
}

func TestHandleTurn_ContractViolationFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.Greet, 1.5)

	res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, intent.Fallback, res.Intent)
	assert.True(t, res.RequiresEscalation)
}

func TestHandleTurn_ClassifierEntitiesWin(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.res = intent.Result{
		Intent:     intent.TrackOrder,
		Confidence: 0.9,
		Entities:   map[string]string{entity.OrderID: "12345"},
	}

	res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "where is order 456789"})
	require.NoError(t, err)
	assert.Equal(t, "12345", res.Entities[entity.OrderID])
	assert.Contains(t, res.ResponseText, "Order 12345: Status is 'Shipped'.")
}

func TestHandleTurn_UnknownConversationStartsNew(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.Greet, 0.9)

	res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "hi", ConversationID: "stale-id"})
	require.NoError(t, err)
	assert.NotEqual(t, "stale-id", res.ConversationID)
	assert.Equal(t, replyGreet, res.ResponseText)
}

func TestHandleTurn_GoodbyeClosesConversation(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.Goodbye, 0.9)

	res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "bye"})
	require.NoError(t, err)
	assert.True(t, res.ConversationClosed)
	assert.Equal(t, 0, env.sessions.Active(), "closed conversation with no connections is evicted")

	conv, err := env.sessions.Get(t.Context(), res.ConversationID)
	require.NoError(t, err)
	assert.NotNil(t, conv.EndedAt)
}

func TestHandleTurn_BroadcastsToAllConnections(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.Greet, 0.9)

	first, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "hi"})
	require.NoError(t, err)

	mux := env.sessions.Connections()
	a := &recordingConn{id: "a"}
	broken := &recordingConn{id: "broken", err: errors.New("gone")}
	c := &recordingConn{id: "c"}
	mux.Register(first.ConversationID, a)
	mux.Register(first.ConversationID, broken)
	mux.Register(first.ConversationID, c)

	second, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "hello again", ConversationID: first.ConversationID})
	require.NoError(t, err, "a broken connection never fails the turn")

	for _, conn := range []*recordingConn{a, c} {
		got := conn.results()
		require.Len(t, got, 1)
		assert.Equal(t, second.BotMessageID, got[0].BotMessageID)
	}
	assert.Equal(t, 2, mux.Count(first.ConversationID))
}

func TestHandleTurn_CallerCancellationDoesNotTruncate(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.Greet, 0.9)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	res, err := env.svc.HandleTurn(ctx, TurnRequest{Text: "hi"})
	require.NoError(t, err)

	history, err := env.sessions.History(t.Context(), res.ConversationID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestHandleTurn_RepositoryFailureSurfaces(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.Greet, 0.9)
	env.repo.FailWrites(errors.New("db down"))

	_, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, 0, env.sessions.Active())
}

func TestHandleTurn_ConcurrentTurnsOnOneConversation(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.Greet, 0.9)

	first, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "hi"})
	require.NoError(t, err)
	convID := first.ConversationID

	conn := &recordingConn{id: "watcher"}
	env.sessions.Connections().Register(convID, conn)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			_, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: fmt.Sprintf("hello %d", i), ConversationID: convID})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	history, err := env.sessions.History(t.Context(), convID)
	require.NoError(t, err)
	require.Len(t, history, 22)

	// Turns never interleave: every user message is followed by its reply
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, store.SenderUser, history[i].Sender)
		assert.Equal(t, store.SenderBot, history[i+1].Sender)
	}

	// Delivery order matches history order
	got := conn.results()
	require.Len(t, got, 10)
	for i, r := range got {
		assert.Equal(t, history[2+2*i].ID, r.UserMessageID)
	}
}

func TestHandleTurn_ConcurrentLowConfidenceTurnsEachGetOneTicket(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.set(intent.ProductInfo, 0.1)

	first, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "??"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			_, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "??", ConversationID: first.ConversationID})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	tickets, err := env.repo.ListTickets(t.Context(), "", 100)
	require.NoError(t, err)
	assert.Len(t, tickets, 6)
	assert.Equal(t, int64(6), env.coordinator.Stats().TicketsCreated)
}

func TestClassify_BlankTextSkipsClassifier(t *testing.T) {
	env := newTestEnv(t)

	res := env.svc.Classify(t.Context(), "  ")
	assert.Equal(t, intent.Empty(), res)
	assert.Equal(t, int32(0), env.classifier.calls.Load())
}

func TestNew_Defaults(t *testing.T) {
	svc := New(nil, nil, nil, nil, Options{}, nil)
	assert.Equal(t, DefaultThreshold, svc.Threshold())
	assert.Equal(t, DefaultTurnTimeout, svc.turnTimeout)
}

func TestTurnResult_ResponseNeverEmpty(t *testing.T) {
	env := newTestEnv(t)

	for _, in := range intent.All() {
		env.classifier.set(in, 0.95)
		res, err := env.svc.HandleTurn(t.Context(), TurnRequest{Text: "something about order 12345"})
		require.NoError(t, err, in)
		assert.NotEmpty(t, strings.TrimSpace(res.ResponseText), in)
	}
}

func TestHandleTurn_LogsTurnPath(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	repo := store.NewMockStore()
	sessions := session.NewManager(repo, nil)
	coordinator := escalation.NewCoordinator(sessions, repo, nil, time.Second, nil)
	classifier := &scriptedClassifier{}
	classifier.set(intent.HumanAgent, 0.95)
	svc := New(sessions, classifier, coordinator, NewResponder(commerce.NewDemoCatalog(), nil), Options{}, logger)

	_, err := svc.HandleTurn(t.Context(), TurnRequest{Text: "agent please"})
	require.NoError(t, err)

	var completed map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == "turn completed" {
			completed = rec
		}
	}
	require.NotNil(t, completed, "turn completed line not logged")
	assert.Equal(t, "received>classified>escalating>logged>delivered", completed["path"])
}
