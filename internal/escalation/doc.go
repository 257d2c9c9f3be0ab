// Package escalation decides when a turn is handed to a human and issues the
// ticket for it.
//
// Decide is the pure policy: escalate when the classifier confidence is below
// the configured threshold or the intent is human_agent. Coordinator.Escalate
// performs the hand-off: it marks the conversation escalated, persists a
// pending ticket and makes a single bounded attempt to enqueue it. Queue
// failures are logged and counted in Stats but never fail the turn.
//
// Queue adapters:
//
//   - StoreQueue: outbox rows in the repository
//   - WebhookQueue: one HTTP POST per ticket
//   - NopQueue: discards tickets
package escalation
