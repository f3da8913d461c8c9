package guider

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/StarGuide/internal/logic/action"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/tracker"
)

var (
	// ErrIllegalTransition means the operation is not allowed in the current
	// state. It is always wrapped in a *TransitionError.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrBusy means another worker already owns the guider.
	ErrBusy = errors.New("guider busy")
	// ErrNoDevice means no device of the requested type is configured.
	ErrNoDevice = errors.New("no such device")
)

// TransitionError reports an operation refused by the state machine.
type TransitionError struct {
	Op   string
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Outcome is how a worker ended.
type Outcome int

const (
	Completed Outcome = iota
	Canceled
	StarLost
	Degenerate
	ActuationFailed
	Failed
)

var outcomeNames = [...]string{"Completed", "Canceled", "StarLost", "Degenerate", "ActuationFailed", "Failed"}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Classify maps a worker error to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Canceled
	case errors.Is(err, tracker.ErrStarLost):
		return StarLost
	case errors.Is(err, calibration.ErrDegenerate), errors.Is(err, calibration.ErrTooFewPoints):
		return Degenerate
	case errors.Is(err, action.ErrActuation):
		return ActuationFailed
	}
	return Failed
}
