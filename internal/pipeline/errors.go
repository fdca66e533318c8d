package pipeline

import (
	"errors"
	"fmt"
)

// FatalConfigError marks a malformed task or missing required provider.
// It is never retried: the run aborts immediately with ReasonFatalConfig.
type FatalConfigError struct {
	Field   string
	Message string
}

func (e *FatalConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("fatal config: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("fatal config: %s", e.Message)
}

// InvalidTransitionError reports an event applied in a state that does not
// accept it. These indicate orchestration bugs, not runtime conditions.
type InvalidTransitionError struct {
	From  State
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q not accepted in state %q", e.Event, e.From)
}

var (
	// ErrRunTerminal is returned when an event is applied to a finished run.
	ErrRunTerminal = errors.New("run already reached a terminal state")

	// ErrPublishInFlight is returned when cancellation is requested while a
	// publish is executing. The publish must complete or fail first.
	ErrPublishInFlight = errors.New("cannot cancel: publish in flight")

	// ErrNoOutstandingApproval is returned when a decision arrives for a run
	// that has no approval request pending and has not advanced past the gate.
	ErrNoOutstandingApproval = errors.New("no outstanding approval request")
)

// IsFatalConfig reports whether err is a fatal configuration failure.
func IsFatalConfig(err error) bool {
	var fce *FatalConfigError
	return errors.As(err, &fce)
}
