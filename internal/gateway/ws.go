// ABOUTME: WebSocket turn channel: one socket per client, many sockets per conversation
// ABOUTME: Inbound frames run turns; every turn on the conversation is pushed to every socket

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/triage-gateway/internal/conversation"
	"github.com/2389/triage-gateway/internal/store"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 << 10
	wsCloseTimeout   = 5 * time.Second

	// connectedNote is recorded when a socket starts a new conversation
	connectedNote = "User connected via WebSocket."
)

// Frame types sent to clients
const (
	frameAck   = "ack"
	frameTurn  = "turn"
	frameError = "error"
)

type ackFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type turnFrame struct {
	Type string `json:"type"`
	*conversation.TurnResult
}

type errorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	MessageID string `json:"message_id,omitempty"`
}

// inboundFrame is what clients send. A frame that is not a JSON object is
// taken as the message text.
type inboundFrame struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

func parseInbound(data []byte) inboundFrame {
	var f inboundFrame
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal(data, &f) == nil {
		return f
	}
	return inboundFrame{Text: string(data)}
}

// originChecker builds the upgrader's origin check. Requests without an
// Origin header (non-browser clients) and same-origin pages always pass;
// cross-origin pages pass only when listed, or when the list holds "*".
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
			continue
		}
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// wsConn adapts a WebSocket to session.Connection. Writes are serialized;
// gorilla allows one concurrent writer.
type wsConn struct {
	id        string
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.New().String(), conn: conn}
}

// ID implements session.Connection.
func (w *wsConn) ID() string { return w.id }

// Send implements session.Connection. Turn results are wrapped in a turn
// frame; anything else is written as is. A failed write closes the socket
// so its read loop ends.
func (w *wsConn) Send(ctx context.Context, payload any) error {
	if res, ok := payload.(*conversation.TurnResult); ok {
		payload = turnFrame{Type: frameTurn, TurnResult: res}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)

	if err := w.conn.WriteJSON(payload); err != nil {
		_ = w.Close()
		return err
	}
	return nil
}

func (w *wsConn) ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Close implements io.Closer so the multiplexer can close sockets on shutdown.
func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// handleWebSocket handles GET /ws?conversation_id=&user_id=.
func (g *Gateway) handleWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	userID := callerID(ctx, c.Query("user_id"))
	requested := c.Query("conversation_id")

	if g.verifier != nil && requested != "" {
		conv, err := g.sessions.Get(ctx, requested)
		if err == nil && !ownedBy(conv, userID) {
			g.writeError(c, errForeignConversation(requested))
			return
		}
	}

	// Checked before GetOrCreate so a refused page never opens a conversation
	if !g.upgrader.CheckOrigin(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if !g.trackSocket() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	defer g.sockets.Done()

	conv, created, err := g.sessions.GetOrCreate(ctx, userID, requested)
	if err != nil {
		g.writeError(c, err)
		return
	}
	if created {
		if _, err := g.sessions.AppendMessage(ctx, conv.ID, connectedNote, store.SenderSystem, nil, nil); err != nil {
			g.logger.Warn("failed to record websocket connect", "conversation_id", conv.ID, "error", err)
		}
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws)
	logger := g.logger.With("conversation_id", conv.ID, "conn_id", conn.ID())

	// Ack before registering so it is always the first frame
	if err := conn.Send(ctx, ackFrame{Type: frameAck, ConversationID: conv.ID}); err != nil {
		logger.Debug("failed to send ack", "error", err)
		return
	}

	g.sessions.Connections().Register(conv.ID, conn)
	defer g.disconnect(conv.ID, conn)

	// Shutdown may have closed the multiplexer between upgrade and register
	if g.isDraining() {
		return
	}
	logger.Info("websocket connected", "user_id", userID, "created", created)

	g.readLoop(conn, conv.ID, userID)
}

// readLoop runs turns for each inbound frame until the socket closes.
func (g *Gateway) readLoop(conn *wsConn, conversationID, userID string) {
	ws := conn.conn
	ws.SetReadLimit(wsMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					_ = conn.Close()
					return
				}
			case <-stop:
				return
			}
		}
	}()

	ctx := context.Background()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read error", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		in := parseInbound(data)
		out, err := g.runTurn(ctx, conversation.TurnRequest{
			Text:           in.Text,
			UserID:         userID,
			ConversationID: conversationID,
		}, strings.TrimSpace(in.MessageID))
		if err != nil {
			_, msg := statusFor(err)
			if sendErr := conn.Send(ctx, errorFrame{Type: frameError, Error: msg, MessageID: in.MessageID}); sendErr != nil {
				return
			}
			continue
		}

		// Fresh turns reach this socket through the broadcast; replays do not
		if out.replayed {
			if err := conn.Send(ctx, out.result); err != nil {
				return
			}
		}
	}
}

// disconnect unregisters a socket. When it was the last one on the
// conversation the conversation is closed, unless the gateway is shutting down.
func (g *Gateway) disconnect(conversationID string, conn *wsConn) {
	_ = conn.Close()
	remaining := g.sessions.Connections().Unregister(conversationID, conn.ID())
	g.logger.Info("websocket disconnected",
		"conversation_id", conversationID,
		"conn_id", conn.ID(),
		"remaining", remaining)

	if remaining > 0 || g.isDraining() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsCloseTimeout)
	defer cancel()
	if _, err := g.sessions.Close(ctx, conversationID); err != nil {
		g.logger.Warn("failed to close conversation after last disconnect",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	g.sessions.Evict(conversationID)
}
