// ABOUTME: Turn lifecycle states and the transition table that validates them
// ABOUTME: received -> classified -> escalating|responding -> logged -> delivered

package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTurnTransition indicates a bug in the orchestrator's sequencing
var ErrInvalidTurnTransition = errors.New("invalid turn transition")

// TurnState is a step in the processing of one inbound message
type TurnState string

const (
	StateReceived   TurnState = "received"
	StateClassified TurnState = "classified"
	StateEscalating TurnState = "escalating"
	StateResponding TurnState = "responding"
	StateLogged     TurnState = "logged"
	StateDelivered  TurnState = "delivered"
)

var turnTransitions = map[TurnState][]TurnState{
	StateReceived:   {StateClassified},
	StateClassified: {StateEscalating, StateResponding},
	StateEscalating: {StateLogged},
	StateResponding: {StateLogged},
	StateLogged:     {StateDelivered},
	StateDelivered:  {},
}

// CanTransition reports whether a turn may move from s to next.
func (s TurnState) CanTransition(next TurnState) bool {
	for _, allowed := range turnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the turn is finished.
func (s TurnState) IsTerminal() bool {
	next, ok := turnTransitions[s]
	return ok && len(next) == 0
}

// turn tracks the state of one HandleTurn call and the path it took.
type turn struct {
	state   TurnState
	history []TurnState
}

func newTurn() *turn {
	return &turn{state: StateReceived, history: []TurnState{StateReceived}}
}

func (t *turn) advance(next TurnState) error {
	if !t.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTurnTransition, t.state, next)
	}
	t.state = next
	t.history = append(t.history, next)
	return nil
}

// path renders the states visited so far, e.g. "received>classified>responding".
func (t *turn) path() string {
	parts := make([]string, len(t.history))
	for i, s := range t.history {
		parts[i] = string(s)
	}
	return strings.Join(parts, ">")
}
