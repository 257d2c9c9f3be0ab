// Package store provides persistent storage for the triage gateway.
//
// # Architecture
//
// Repository is the single persistence contract used by the session manager,
// the escalation coordinator and the transport. The in-process session manager
// stays authoritative for live routing; the repository keeps a durable copy
// written through on every change.
//
// SQLStore implements Repository on database/sql and supports two drivers:
//
//   - sqlite: modernc.org/sqlite, WAL mode with foreign keys enabled
//   - postgres: github.com/lib/pq, placeholders rebound from ? to $n
//
// # Data Models
//
//   - Conversation: a chat session, closed by setting EndedAt
//   - Message: append-only history entry, classified user messages carry intent
//   - EscalationTicket: hand-off to a human agent, status moves forward only
//   - QueuedEscalation: outbox row consumed by the agent-facing system
//   - Feedback: a 1-5 rating attached to a conversation
//
// Times are stored as RFC3339Nano strings in UTC.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrInvalidTransition: ticket status change would move backwards
//
// # Testing
//
// Use NewMockStore() for unit tests; FailWrites injects write errors.
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite.
package store
