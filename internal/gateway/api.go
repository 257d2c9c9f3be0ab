// ABOUTME: HTTP API handlers for the chat turn endpoint, conversations, tickets and feedback
// ABOUTME: Maps domain errors to status codes; the only place that knows about HTTP

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/2389/triage-gateway/internal/auth"
	"github.com/2389/triage-gateway/internal/conversation"
	"github.com/2389/triage-gateway/internal/session"
	"github.com/2389/triage-gateway/internal/store"
)

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	Text           string `json:"text"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID        string  `json:"id"`
	UserID    *string `json:"user_id"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at"`
	Escalated bool    `json:"escalated"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID         string   `json:"id"`
	Sender     string   `json:"sender"`
	Content    string   `json:"content"`
	Timestamp  string   `json:"timestamp"`
	Intent     *string  `json:"intent"`
	Confidence *float64 `json:"confidence"`
}

// MessagesResponse is the JSON response for GET /api/conversations/:id/messages.
type MessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// TicketResponse is the JSON form of an escalation ticket.
type TicketResponse struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	UserID         *string `json:"user_id"`
	Status         string  `json:"status"`
	AssignedAgent  *string `json:"assigned_agent"`
	Reason         string  `json:"reason"`
	TriggerText    string  `json:"trigger_text"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// TicketStatusRequest is the JSON request body for POST /api/tickets/:id/status.
type TicketStatusRequest struct {
	Status        string  `json:"status"`
	AssignedAgent *string `json:"assigned_agent,omitempty"`
}

// FeedbackRequest is the JSON request body for POST /api/feedback.
type FeedbackRequest struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      *string `json:"message_id,omitempty"`
	Rating         int     `json:"rating"`
	Comment        string  `json:"comment,omitempty"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Classifier    string `json:"classifier"`
	Conversations int    `json:"conversations"`
	Connections   int    `json:"connections"`
	Tickets       int64  `json:"tickets_created"`
	Uptime        string `json:"uptime"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:        c.ID,
		UserID:    c.UserID,
		StartedAt: formatTime(c.StartedAt),
		Escalated: c.Escalated,
	}
	if c.EndedAt != nil {
		end := formatTime(*c.EndedAt)
		resp.EndedAt = &end
	}
	return resp
}

func toTicketResponse(t *store.EscalationTicket) TicketResponse {
	return TicketResponse{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		UserID:         t.UserID,
		Status:         string(t.Status),
		AssignedAgent:  t.AssignedAgent,
		Reason:         t.Reason,
		TriggerText:    t.TriggerText,
		CreatedAt:      formatTime(t.CreatedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
}

// statusFor maps a domain error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError sends the mapped error and logs anything server-side.
func (g *Gateway) writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request error", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

// callerID resolves the user a request acts for. An authenticated identity
// always wins over a user id in the request.
func callerID(ctx context.Context, requested string) string {
	if id := auth.UserID(ctx); id != "" {
		return id
	}
	return requested
}

// ownedConversation loads a conversation and hides it from authenticated
// callers who neither own it nor hold the agent role.
func (g *Gateway) ownedConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := g.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.verifier != nil && !auth.IsAgent(ctx) && !ownedBy(conv, auth.UserID(ctx)) {
		return nil, session.ErrConversationNotFound
	}
	return conv, nil
}

// ownedBy reports whether userID owns conv. Anonymous conversations belong
// to nobody once authentication is on.
func ownedBy(conv *store.Conversation, userID string) bool {
	return conv.UserID != nil && *conv.UserID == userID
}

// turnOutcome is what a possibly replayed turn produced.
type turnOutcome struct {
	result   *conversation.TurnResult
	replayed bool
}

// replayKey scopes a client message id to its caller, conversation and text
// so unrelated clients reusing the same id never share a result. Requests
// that name neither a user nor a conversation cannot be told apart from a
// stranger's and get no key.
func replayKey(req conversation.TurnRequest, messageID string) (string, bool) {
	if messageID == "" || (req.UserID == "" && req.ConversationID == "") {
		return "", false
	}
	sum := sha256.Sum256([]byte(req.Text))
	return strings.Join([]string{req.UserID, req.ConversationID, messageID, hex.EncodeToString(sum[:])}, "\x00"), true
}

// runTurn runs one turn. When the request has a replay key the result is
// cached under it: a retry inside the replay window gets the original result
// back, and concurrent duplicates share a single turn.
func (g *Gateway) runTurn(ctx context.Context, req conversation.TurnRequest, messageID string) (turnOutcome, error) {
	if g.verifier != nil && req.ConversationID != "" {
		// Unknown ids fall through and start a new conversation
		conv, err := g.sessions.Get(ctx, req.ConversationID)
		if err == nil && !ownedBy(conv, req.UserID) {
			return turnOutcome{}, errForeignConversation(req.ConversationID)
		}
	}

	key, ok := replayKey(req, messageID)
	if !ok {
		res, err := g.service.HandleTurn(ctx, req)
		return turnOutcome{result: res}, err
	}

	if res, ok := g.replay.Get(key); ok {
		return turnOutcome{result: res, replayed: true}, nil
	}

	v, err, _ := g.inflight.Do(key, func() (any, error) {
		if res, ok := g.replay.Get(key); ok {
			return turnOutcome{result: res, replayed: true}, nil
		}
		res, err := g.service.HandleTurn(ctx, req)
		if err != nil {
			return turnOutcome{}, err
		}
		g.replay.Put(key, res)
		return turnOutcome{result: res}, nil
	})
	if err != nil {
		return turnOutcome{}, err
	}
	return v.(turnOutcome), nil
}

// handleChat handles POST /api/chat.
func (g *Gateway) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	out, err := g.runTurn(c.Request.Context(), conversation.TurnRequest{
		Text:           req.Text,
		UserID:         callerID(c.Request.Context(), req.UserID),
		ConversationID: req.ConversationID,
	}, strings.TrimSpace(req.MessageID))
	if err != nil {
		g.writeError(c, err)
		return
	}

	if out.replayed {
		c.Header("X-Replayed", "true")
	}
	c.JSON(http.StatusOK, out.result)
}

// handleGetConversation handles GET /api/conversations/:id.
func (g *Gateway) handleGetConversation(c *gin.Context) {
	conv, err := g.ownedConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationResponse(conv))
}

// handleListMessages handles GET /api/conversations/:id/messages.
func (g *Gateway) handleListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conv, err := g.ownedConversation(ctx, c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}

	history, err := g.sessions.History(ctx, conv.ID)
	if err != nil {
		g.writeError(c, err)
		return
	}

	resp := MessagesResponse{
		ConversationID: conv.ID,
		Messages:       make([]MessageResponse, 0, len(history)),
	}
	for _, m := range history {
		resp.Messages = append(resp.Messages, MessageResponse{
			ID:         m.ID,
			Sender:     string(m.Sender),
			Content:    m.Content,
			Timestamp:  formatTime(m.Timestamp),
			Intent:     m.Intent,
			Confidence: m.Confidence,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleCloseConversation handles POST /api/conversations/:id/close.
func (g *Gateway) handleCloseConversation(c *gin.Context) {
	ctx := c.Request.Context()
	conv, err := g.ownedConversation(ctx, c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}

	closed, err := g.sessions.Close(ctx, conv.ID)
	if err != nil {
		g.writeError(c, err)
		return
	}
	g.sessions.Evict(conv.ID)
	c.JSON(http.StatusOK, toConversationResponse(closed))
}

// handleListTickets handles GET /api/tickets?status=&limit=.
func (g *Gateway) handleListTickets(c *gin.Context) {
	var status store.TicketStatus
	if s := c.Query("status"); s != "" {
		parsed, err := store.ParseTicketStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = parsed
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	tickets, err := g.store.ListTickets(c.Request.Context(), status, limit)
	if err != nil {
		g.writeError(c, err)
		return
	}

	resp := make([]TicketResponse, 0, len(tickets))
	for _, t := range tickets {
		resp = append(resp, toTicketResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"tickets": resp})
}

// handleGetTicket handles GET /api/tickets/:id.
func (g *Gateway) handleGetTicket(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := g.coordinator.Ticket(ctx, c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}

	// Customers only see tickets raised on their own conversations
	if _, err := g.ownedConversation(ctx, t.ConversationID); err != nil {
		if errors.Is(err, session.ErrConversationNotFound) {
			err = fmt.Errorf("%w: ticket %s", store.ErrNotFound, t.ID)
		}
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTicketResponse(t))
}

// handleTicketStatus handles POST /api/tickets/:id/status.
func (g *Gateway) handleTicketStatus(c *gin.Context) {
	var req TicketStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	status, err := store.ParseTicketStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := g.coordinator.Transition(c.Request.Context(), c.Param("id"), status, req.AssignedAgent)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTicketResponse(t))
}

// handleFeedback handles POST /api/feedback.
func (g *Gateway) handleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rating must be between 1 and 5"})
		return
	}

	ctx := c.Request.Context()
	if _, err := g.ownedConversation(ctx, req.ConversationID); err != nil {
		g.writeError(c, err)
		return
	}

	fb := &store.Feedback{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Rating:         req.Rating,
		Comment:        req.Comment,
		CreatedAt:      time.Now().UTC(),
	}
	if err := g.store.SaveFeedback(ctx, fb); err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": fb.ID})
}

// handleHealth handles GET /health.
func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Classifier:    g.config.Classifier.Provider,
		Conversations: g.sessions.Active(),
		Connections:   g.sessions.Connections().Total(),
		Tickets:       g.coordinator.Stats().TicketsCreated,
		Uptime:        time.Since(g.startedAt).Round(time.Second).String(),
	})
}

func errForeignConversation(id string) error {
	return fmt.Errorf("%w: %s", session.ErrConversationNotFound, id)
}
