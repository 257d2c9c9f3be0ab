// Package session tracks live conversations and the connections attached to
// them.
//
// # Manager
//
// Manager is the authoritative in-process registry of conversations and their
// message history. Every write goes to the store.Repository first and mutates
// memory only on success, so a failed write leaves no partial state.
// Conversations not resident in memory are hydrated from the repository on
// first use.
//
// Manager.Lock provides the per-conversation ordering lock used by the turn
// orchestrator. Locks are reference counted and disappear when idle.
//
// # Multiplexer
//
// Multiplexer maps a conversation id to the ordered set of live connections
// and fans payloads out to them:
//
//	mux := manager.Connections()
//	mux.Register(convID, conn)
//	d := mux.Broadcast(ctx, convID, result)
//	if err := d.Err(); err != nil {
//		// failed connections were already unregistered
//	}
//
// Registrations are process-local and never persisted.
package session
