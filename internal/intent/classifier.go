// ABOUTME: Classifier contract and the closed result shape it must return
// ABOUTME: Validate enforces the shape at the boundary so dispatch never sees raw strings

package intent

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrClassifierUnavailable is returned when the classifier call fails or
// produces output outside its contract.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Result is the validated output of a classifier call.
type Result struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// Raw is what an adapter decodes from its backend before validation.
type Raw struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// Classifier labels free text with an intent and a confidence in [0,1].
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Validate converts raw classifier output into a Result. A confidence outside
// [0,1] violates the contract and yields ErrClassifierUnavailable. Unknown
// labels become Fallback with their confidence kept. Empty entity values are
// dropped.
func Validate(raw Raw) (Result, error) {
	c := raw.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return Result{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrClassifierUnavailable, c)
	}

	in, _ := Parse(raw.Intent)

	var entities map[string]string
	for k, v := range raw.Entities {
		if k == "" || v == "" {
			continue
		}
		if entities == nil {
			entities = make(map[string]string, len(raw.Entities))
		}
		entities[k] = v
	}

	return Result{Intent: in, Confidence: c, Entities: entities}, nil
}

// Unavailable is the substitute result used when the classifier cannot answer.
// Its zero confidence guarantees escalation under any positive threshold.
func Unavailable() Result {
	return Result{Intent: Fallback, Confidence: 0}
}

// Empty is the result assigned to blank input.
func Empty() Result {
	return Result{Intent: EmptyMessage, Confidence: 1.0}
}
