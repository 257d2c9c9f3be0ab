// ABOUTME: Turn orchestrator: every inbound message flows through HandleTurn
// ABOUTME: Records first, classifies, escalates or responds, logs the reply, then broadcasts

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/triage-gateway/internal/entity"
	"github.com/2389/triage-gateway/internal/escalation"
	"github.com/2389/triage-gateway/internal/intent"
	"github.com/2389/triage-gateway/internal/session"
	"github.com/2389/triage-gateway/internal/store"
)

// ErrValidation is returned for input rejected before any state is touched
var ErrValidation = errors.New("validation failed")

// Defaults applied when Options leaves a field zero
const (
	DefaultThreshold   = 0.7
	DefaultTurnTimeout = 30 * time.Second
)

// Sessions defines what the service needs from the session layer
type Sessions interface {
	GetOrCreate(ctx context.Context, userID, conversationID string) (*store.Conversation, bool, error)
	AppendMessage(ctx context.Context, conversationID, content string, sender store.Sender, in *string, confidence *float64) (*store.Message, error)
	UpdateMessageClassification(ctx context.Context, messageID, in string, confidence float64) error
	Close(ctx context.Context, conversationID string) (*store.Conversation, error)
	Evict(conversationID string) bool
	Lock(conversationID string) func()
	Connections() *session.Multiplexer
}

// Escalator defines what the service needs from the escalation layer
type Escalator interface {
	Escalate(ctx context.Context, conversationID, userID, triggerText, reason string) (*store.EscalationTicket, error)
}

// Options tunes the orchestrator.
type Options struct {
	Threshold   float64       // escalate below this confidence
	TurnTimeout time.Duration // bound on one turn, independent of the caller
}

// TurnRequest is one inbound message.
type TurnRequest struct {
	Text           string
	UserID         string
	ConversationID string
}

// TurnResult is the outcome of a turn. It is returned to the caller and
// broadcast to every live connection on the conversation.
type TurnResult struct {
	ConversationID     string            `json:"conversation_id"`
	UserMessageID      string            `json:"user_message_id"`
	BotMessageID       string            `json:"bot_message_id"`
	Intent             intent.Intent     `json:"intent"`
	Confidence         float64           `json:"confidence"`
	Entities           map[string]string `json:"entities"`
	RequiresEscalation bool              `json:"requires_escalation"`
	EscalationTicketID string            `json:"escalation_ticket_id,omitempty"`
	ResponseText       string            `json:"response_text"`
	ConversationClosed bool              `json:"conversation_closed,omitempty"`
}

// Service runs turns.
type Service struct {
	sessions    Sessions
	classifier  intent.Classifier
	escalator   Escalator
	responder   *Responder
	threshold   float64
	turnTimeout time.Duration
	logger      *slog.Logger
}

// New creates the orchestrator. Pass nil logger for default.
func New(sessions Sessions, classifier intent.Classifier, escalator Escalator, responder *Responder, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	return &Service{
		sessions:    sessions,
		classifier:  classifier,
		escalator:   escalator,
		responder:   responder,
		threshold:   opts.Threshold,
		turnTimeout: opts.TurnTimeout,
		logger:      logger.With("component", "conversation"),
	}
}

// Threshold returns the escalation threshold in use.
func (s *Service) Threshold() float64 {
	return s.threshold
}

// Classify labels text. Blank text is answered without calling the
// classifier; collaborator failures degrade to intent.Unavailable().
func (s *Service) Classify(ctx context.Context, text string) intent.Result {
	if strings.TrimSpace(text) == "" {
		return intent.Empty()
	}

	res, err := s.classifier.Classify(ctx, text)
	if err != nil {
		s.logger.Warn("classifier unavailable, using fallback intent",
			"error", fmt.Errorf("%w: %w", intent.ErrClassifierUnavailable, err))
		return intent.Unavailable()
	}

	// Adapters validate already; re-check so a misbehaving implementation
	// cannot push an out-of-range confidence or raw label into dispatch
	res, err = intent.Validate(intent.Raw{Intent: string(res.Intent), Confidence: res.Confidence, Entities: res.Entities})
	if err != nil {
		s.logger.Warn("classifier broke its contract, using fallback intent", "error", err)
		return intent.Unavailable()
	}
	return res
}

// HandleTurn processes one inbound message end to end. The turn runs on a
// context detached from ctx's cancellation so a disconnecting client cannot
// leave history half-written.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.turnTimeout)
	defer cancel()

	conv, _, err := s.sessions.GetOrCreate(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	// Held until after broadcast so history order equals delivery order
	unlock := s.sessions.Lock(conv.ID)
	defer unlock()

	t := newTurn()
	logger := s.logger.With("conversation_id", conv.ID)

	userMsg, err := s.sessions.AppendMessage(ctx, conv.ID, req.Text, store.SenderUser, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	res := s.Classify(ctx, req.Text)
	if err := s.sessions.UpdateMessageClassification(ctx, userMsg.ID, string(res.Intent), res.Confidence); err != nil {
		return nil, fmt.Errorf("recording classification: %w", err)
	}
	if err := t.advance(StateClassified); err != nil {
		return nil, err
	}

	result := &TurnResult{
		ConversationID: conv.ID,
		UserMessageID:  userMsg.ID,
		Intent:         res.Intent,
		Confidence:     res.Confidence,
	}

	userID := ""
	if conv.UserID != nil {
		userID = *conv.UserID
	}

	if escalation.Decide(res.Intent, res.Confidence, s.threshold) {
		if err := t.advance(StateEscalating); err != nil {
			return nil, err
		}

		ticket, err := s.escalator.Escalate(ctx, conv.ID, userID, req.Text, escalation.Reason(res.Intent))
		if err != nil {
			return nil, fmt.Errorf("escalating: %w", err)
		}

		result.Entities = entity.Merge(res.Entities, nil)
		result.RequiresEscalation = true
		result.EscalationTicketID = ticket.ID
		result.ResponseText = escalation.HandoffText(ticket.ID)
	} else {
		if err := t.advance(StateResponding); err != nil {
			return nil, err
		}

		result.Entities = entity.Merge(res.Entities, entity.Extract(res.Intent, req.Text))
		result.ResponseText = s.responder.Respond(ctx, res.Intent, res.Confidence, result.Entities)
	}

	botMsg, err := s.sessions.AppendMessage(ctx, conv.ID, result.ResponseText, store.SenderBot, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("recording bot message: %w", err)
	}
	result.BotMessageID = botMsg.ID
	if err := t.advance(StateLogged); err != nil {
		return nil, err
	}

	if res.Intent == intent.Goodbye && !result.RequiresEscalation {
		if _, err := s.sessions.Close(ctx, conv.ID); err != nil {
			logger.Warn("failed to close conversation after goodbye", "error", err)
		} else {
			result.ConversationClosed = true
		}
	}

	delivery := s.sessions.Connections().Broadcast(ctx, conv.ID, result)
	if err := delivery.Err(); err != nil {
		logger.Warn("turn not delivered to every connection",
			"delivered", len(delivery.Delivered),
			"failed", len(delivery.Failed),
			"error", err)
	}
	if err := t.advance(StateDelivered); err != nil {
		return nil, err
	}

	logger.Info("turn completed",
		"intent", res.Intent,
		"confidence", res.Confidence,
		"escalated", result.RequiresEscalation,
		"ticket_id", result.EscalationTicketID,
		"path", t.path())

	if result.ConversationClosed {
		unlock()
		s.sessions.Evict(conv.ID)
	}
	return result, nil
}
