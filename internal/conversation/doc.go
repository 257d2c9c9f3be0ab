// Package conversation runs the turn orchestrator: every inbound user message
// flows through Service.HandleTurn.
//
// # Turn lifecycle
//
// A turn moves through a fixed sequence of states, validated by a transition
// table:
//
//	received -> classified -> escalating | responding -> logged -> delivered
//
//  1. The user message is recorded before anything else happens.
//  2. The classifier labels it; failures degrade to the fallback intent with
//     zero confidence, which escalates.
//  3. escalation.Decide picks the path. Escalating turns get a ticket and the
//     fixed hand-off text; responding turns get entities and an automated
//     reply from the Responder.
//  4. The reply is recorded as a bot message. A goodbye closes the
//     conversation.
//  5. The result is broadcast to every live connection on the conversation.
//
// The per-conversation lock from session.Manager is held from before the user
// message is recorded until after the broadcast, so history order and
// delivery order agree and two turns cannot escalate the same conversation
// concurrently.
//
// # Responder
//
// Responder maps each intent to a reply through an exhaustive switch,
// consulting the commerce.Client for order, product, return and shipping
// questions.
package conversation
