// ABOUTME: Fan-out delivery of turn results to every live connection of a conversation
// ABOUTME: Failing connections are isolated, reported and dropped without blocking others

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrDelivery is reported for a connection that could not receive a payload
var ErrDelivery = errors.New("delivery failed")

// defaultSendTimeout bounds a single Send so one stalled client cannot hold
// up the conversation's delivery order.
const defaultSendTimeout = 5 * time.Second

// Connection is a live client channel attached to a conversation.
// Implementations may also implement io.Closer; Close on the multiplexer
// closes them.
type Connection interface {
	ID() string
	Send(ctx context.Context, payload any) error
}

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Delivered []string         // connection ids, in registration order
	Failed    map[string]error // connection id -> cause, each wrapping ErrDelivery
}

// Err joins every per-connection failure, or returns nil when all succeeded.
func (d Delivery) Err() error {
	if len(d.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(d.Failed))
	for _, err := range d.Failed {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Multiplexer keeps the process-local registry of connections per
// conversation and delivers payloads to all of them.
type Multiplexer struct {
	mu       sync.RWMutex
	conns    map[string][]Connection // conversationID -> connections in registration order
	delivery *keyedMutex
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMultiplexer creates a multiplexer. Pass nil logger for default.
func NewMultiplexer(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		conns:    make(map[string][]Connection),
		delivery: newKeyedMutex(),
		timeout:  defaultSendTimeout,
		logger:   logger.With("component", "multiplexer"),
	}
}

// SetSendTimeout overrides the per-connection send bound. Non-positive values
// are ignored.
func (m *Multiplexer) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// Register attaches conn to a conversation. Registering the same connection
// id twice is a no-op.
func (m *Multiplexer) Register(conversationID string, conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conns[conversationID] {
		if c.ID() == conn.ID() {
			return
		}
	}
	m.conns[conversationID] = append(m.conns[conversationID], conn)

	m.logger.Debug("connection registered",
		"conversation_id", conversationID,
		"conn_id", conn.ID(),
		"count", len(m.conns[conversationID]))
}

// Unregister detaches a connection and returns how many remain on the
// conversation. Unknown ids are ignored.
func (m *Multiplexer) Unregister(conversationID, connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.conns[conversationID]
	if !ok {
		return 0
	}

	for i, c := range conns {
		if c.ID() != connID {
			continue
		}
		// Copy so snapshots handed to in-flight broadcasts stay intact
		next := make([]Connection, 0, len(conns)-1)
		next = append(next, conns[:i]...)
		next = append(next, conns[i+1:]...)
		conns = next

		m.logger.Debug("connection unregistered",
			"conversation_id", conversationID,
			"conn_id", connID)
		break
	}

	// Clean up empty conversation entries
	if len(conns) == 0 {
		delete(m.conns, conversationID)
		return 0
	}
	m.conns[conversationID] = conns
	return len(conns)
}

// Count returns the number of live connections on a conversation.
func (m *Multiplexer) Count(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns[conversationID])
}

// Total returns the number of live connections across all conversations.
func (m *Multiplexer) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, conns := range m.conns {
		n += len(conns)
	}
	return n
}

// Broadcast delivers payload to every connection registered on the
// conversation. Broadcasts on one conversation are serialized, so each
// connection observes them in invocation order. Within a broadcast every
// connection is attempted concurrently and independently; failures are
// unregistered and reported in the returned Delivery.
func (m *Multiplexer) Broadcast(ctx context.Context, conversationID string, payload any) Delivery {
	unlock := m.delivery.lock(conversationID)
	defer unlock()

	m.mu.RLock()
	targets := m.conns[conversationID]
	timeout := m.timeout
	m.mu.RUnlock()

	d := Delivery{}
	if len(targets) == 0 {
		return d
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, conn := range targets {
		wg.Go(func() {
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			errs[i] = conn.Send(sendCtx, payload)
		})
	}
	wg.Wait()

	for i, conn := range targets {
		if errs[i] == nil {
			d.Delivered = append(d.Delivered, conn.ID())
			continue
		}
		if d.Failed == nil {
			d.Failed = make(map[string]error)
		}
		d.Failed[conn.ID()] = fmt.Errorf("%w: connection %s: %w", ErrDelivery, conn.ID(), errs[i])

		m.logger.Warn("dropping unreachable connection",
			"conversation_id", conversationID,
			"conn_id", conn.ID(),
			"error", errs[i])
		m.Unregister(conversationID, conn.ID())
	}

	return d
}

// Close drops every registration and closes connections that support it.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	all := m.conns
	m.conns = make(map[string][]Connection)
	m.mu.Unlock()

	for convID, conns := range all {
		for _, c := range conns {
			if closer, ok := c.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					m.logger.Debug("error closing connection",
						"conversation_id", convID,
						"conn_id", c.ID(),
						"error", err)
				}
			}
		}
	}

	m.logger.Debug("multiplexer closed")
}
