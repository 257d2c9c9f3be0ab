// ABOUTME: database/sql implementation of the Repository for SQLite and Postgres
// ABOUTME: Creates the schema on open and rebinds placeholders per driver

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore implements Repository on top of database/sql
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return Open(DriverSQLite, path)
}

// Open connects to the database identified by driver and dsn and ensures
// the schema exists.
func Open(driver, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == DriverSQLite {
		// A single connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized")
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema() error {
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_id    TEXT,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			escalated  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			` + seqColumn + `,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			content         TEXT NOT NULL,
			sender          TEXT NOT NULL,
			ts              TEXT NOT NULL,
			intent          TEXT,
			confidence      DOUBLE PRECISION,

			CHECK (sender IN ('user', 'bot', 'system'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,

		`CREATE TABLE IF NOT EXISTS escalation_tickets (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id         TEXT,
			status          TEXT NOT NULL,
			assigned_agent  TEXT,
			reason          TEXT NOT NULL,
			trigger_text    TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'assigned', 'resolved', 'closed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_status ON escalation_tickets(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_conversation ON escalation_tickets(conversation_id)`,

		`CREATE TABLE IF NOT EXISTS escalation_queue (
			` + seqColumn + `,
			id          TEXT NOT NULL UNIQUE,
			ticket_id   TEXT NOT NULL REFERENCES escalation_tickets(id),
			payload     TEXT NOT NULL,
			enqueued_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS feedback (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			message_id      TEXT,
			rating          INTEGER NOT NULL,
			comment         TEXT,
			created_at      TEXT NOT NULL,

			CHECK (rating BETWEEN 1 AND 5)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// rebind converts ? placeholders into $n for Postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isForeignKeyViolation checks if the error is a missing-parent violation
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatOptionalTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateConversation inserts a new conversation.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := s.rebind(`
		INSERT INTO conversations (id, user_id, started_at, ended_at, escalated)
		VALUES (?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		nullString(conv.UserID),
		formatTime(conv.StartedAt),
		formatOptionalTime(conv.EndedAt),
		boolToInt(conv.Escalated),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := s.rebind(`
		SELECT id, user_id, started_at, ended_at, escalated
		FROM conversations
		WHERE id = ?
	`)

	var (
		conv      Conversation
		userID    sql.NullString
		startedAt string
		endedAt   sql.NullString
		escalated int
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &userID, &startedAt, &endedAt, &escalated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.UserID = stringPtr(userID)
	conv.Escalated = escalated != 0
	conv.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if endedAt.Valid {
		end, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		conv.EndedAt = &end
	}

	return &conv, nil
}

// UpdateConversation writes the mutable fields (ended_at, escalated).
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	query := s.rebind(`
		UPDATE conversations
		SET ended_at = ?, escalated = ?
		WHERE id = ?
	`)

	result, err := s.db.ExecContext(ctx, query,
		formatOptionalTime(conv.EndedAt),
		boolToInt(conv.Escalated),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMessage appends a message to its conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := s.rebind(`
		INSERT INTO messages (id, conversation_id, content, sender, ts, intent, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	var confidence sql.NullFloat64
	if msg.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *msg.Confidence, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Content,
		string(msg.Sender),
		formatTime(msg.Timestamp),
		nullString(msg.Intent),
		confidence,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("saving message for conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// UpdateMessageClassification attaches intent and confidence to a message.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLStore) UpdateMessageClassification(ctx context.Context, messageID, intent string, confidence float64) error {
	query := s.rebind(`UPDATE messages SET intent = ?, confidence = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, intent, confidence, messageID)
	if err != nil {
		return fmt.Errorf("updating message classification: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns the most recent messages of a conversation in
// insertion order (oldest first).
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	limit = clampLimit(limit)

	// Select the newest N by sequence, then reverse to chronological order
	query := s.rebind(`
		SELECT id, conversation_id, content, sender, ts, intent, confidence
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg        Message
			sender     string
			ts         string
			intent     sql.NullString
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Content, &sender, &ts, &intent, &confidence); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Sender = Sender(sender)
		msg.Intent = stringPtr(intent)
		if confidence.Valid {
			c := confidence.Float64
			msg.Confidence = &c
		}
		msg.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing ts: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CreateTicket inserts a new escalation ticket.
func (s *SQLStore) CreateTicket(ctx context.Context, ticket *EscalationTicket) error {
	query := s.rebind(`
		INSERT INTO escalation_tickets
			(id, conversation_id, user_id, status, assigned_agent, reason, trigger_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		ticket.ID,
		ticket.ConversationID,
		nullString(ticket.UserID),
		string(ticket.Status),
		nullString(ticket.AssignedAgent),
		ticket.Reason,
		ticket.TriggerText,
		formatTime(ticket.CreatedAt),
		formatTime(ticket.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}

	s.logger.Debug("created ticket", "id", ticket.ID, "conversation_id", ticket.ConversationID)
	return nil
}

const ticketColumns = `id, conversation_id, user_id, status, assigned_agent, reason, trigger_text, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*EscalationTicket, error) {
	var (
		t         EscalationTicket
		userID    sql.NullString
		status    string
		agent     sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &userID, &status, &agent, &t.Reason, &t.TriggerText, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.UserID = stringPtr(userID)
	t.AssignedAgent = stringPtr(agent)
	t.Status = TicketStatus(status)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// GetTicket retrieves a ticket by ID.
// Returns ErrNotFound if the ticket doesn't exist.
func (s *SQLStore) GetTicket(ctx context.Context, id string) (*EscalationTicket, error) {
	query := s.rebind(`SELECT ` + ticketColumns + ` FROM escalation_tickets WHERE id = ?`)

	t, err := scanTicket(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ticket: %w", err)
	}
	return t, nil
}

// UpdateTicketStatus moves a ticket forward in its lifecycle.
// Returns ErrInvalidTransition for backwards or unknown moves.
func (s *SQLStore) UpdateTicketStatus(ctx context.Context, id string, status TicketStatus, assignedAgent *string) (*EscalationTicket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(`SELECT ` + ticketColumns + ` FROM escalation_tickets WHERE id = ?`)
	t, err := scanTicket(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ticket: %w", err)
	}

	if !t.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	t.Status = status
	if assignedAgent != nil {
		t.AssignedAgent = assignedAgent
	}
	t.UpdatedAt = time.Now()

	update := s.rebind(`UPDATE escalation_tickets SET status = ?, assigned_agent = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update, string(t.Status), nullString(t.AssignedAgent), formatTime(t.UpdatedAt), t.ID); err != nil {
		return nil, fmt.Errorf("updating ticket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ticket update: %w", err)
	}
	return t, nil
}

// ListTickets returns tickets newest first. An empty status lists all tickets.
func (s *SQLStore) ListTickets(ctx context.Context, status TicketStatus, limit int) ([]*EscalationTicket, error) {
	limit = clampLimit(limit)

	query := `SELECT ` + ticketColumns + ` FROM escalation_tickets`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*EscalationTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// EnqueueEscalation appends a payload to the escalation outbox.
func (s *SQLStore) EnqueueEscalation(ctx context.Context, ticketID string, payload []byte) error {
	query := s.rebind(`INSERT INTO escalation_queue (id, ticket_id, payload, enqueued_at) VALUES (?, ?, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query, newID(), ticketID, string(payload), formatTime(time.Now())); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("enqueueing ticket %s: %w", ticketID, ErrNotFound)
		}
		return fmt.Errorf("inserting queue entry: %w", err)
	}
	return nil
}

// ListQueuedEscalations returns outbox entries oldest first.
func (s *SQLStore) ListQueuedEscalations(ctx context.Context, limit int) ([]*QueuedEscalation, error) {
	query := s.rebind(`
		SELECT id, ticket_id, payload, enqueued_at
		FROM escalation_queue
		ORDER BY seq ASC
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying escalation queue: %w", err)
	}
	defer rows.Close()

	var out []*QueuedEscalation
	for rows.Next() {
		var (
			q          QueuedEscalation
			payload    string
			enqueuedAt string
		)
		if err := rows.Scan(&q.ID, &q.TicketID, &payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		q.Payload = []byte(payload)
		if q.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

// SaveFeedback stores a feedback record.
func (s *SQLStore) SaveFeedback(ctx context.Context, fb *Feedback) error {
	query := s.rebind(`
		INSERT INTO feedback (id, conversation_id, message_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		fb.ID,
		fb.ConversationID,
		nullString(fb.MessageID),
		fb.Rating,
		fb.Comment,
		formatTime(fb.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("saving feedback for conversation %s: %w", fb.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

// Ensure SQLStore implements Repository
var _ Repository = (*SQLStore)(nil)
