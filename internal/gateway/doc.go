// Package gateway serves triage-gateway over HTTP.
//
// # Overview
//
// The Gateway owns the repository, the session manager, the escalation
// coordinator and the turn orchestrator, and exposes them through a gin
// engine. New builds every collaborator from config; NewWithDeps accepts
// them directly.
//
// # HTTP API
//
//	GET  /health                          liveness and counters, no auth
//	POST /api/chat                        run one turn
//	GET  /api/conversations/{id}          conversation metadata
//	GET  /api/conversations/{id}/messages ordered history
//	POST /api/conversations/{id}/close    idempotent close
//	GET  /api/tickets                     recent tickets, ?status= and ?limit=
//	GET  /api/tickets/{id}                ticket lookup
//	POST /api/tickets/{id}/status         forward-only status change
//	POST /api/feedback                    rating 1..5 for a conversation
//	GET  /ws                              WebSocket turn channel
//
// POST /api/chat takes {text, user_id?, conversation_id?, message_id?}. A
// request carrying a message_id seen within replay.ttl gets the original
// TurnResult back with an X-Replayed header and no new turn runs.
//
// # WebSocket
//
// The first frame on /ws is {"type":"ack","conversation_id":...}. Clients send
// {"text":..., "message_id":...} or plain text. Every turn on the
// conversation, whichever socket or request submitted it, arrives as a
// {"type":"turn",...} frame; rejected input gets {"type":"error",...}. When
// the last socket on a conversation disconnects the conversation is closed.
//
// # Authentication
//
// With auth.jwt_secret set, /api and /ws require a bearer token (or ?token=
// on /ws). The token's subject replaces any user_id in the request, and
// conversations owned by other users answer 404.
package gateway
