package timer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid timer configuration")
	ErrIllegalState         = errors.New("illegal timer state")
	ErrAlreadyAttached      = errors.New("callback already attached")
	ErrCallbackExecution    = errors.New("timer callback failed")
	ErrSchedulerStopped     = errors.New("scheduler stopped")
)

// CallbackError wraps a failure raised by an attached callback during a tick.
//
// It matches ErrCallbackExecution with errors.Is and unwraps to the original cause.
// Panics are converted into a CallbackError with Panic and Stack set.
type CallbackError struct {
	Timer string
	Seq   uint64
	Cause error
	Panic any
	Stack string
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("timer %q tick %d: panic: %v", e.Timer, e.Seq, e.Panic)
	}
	return fmt.Sprintf("timer %q tick %d: %v", e.Timer, e.Seq, e.Cause)
}

func (e *CallbackError) Unwrap() error { return e.Cause }

func (e *CallbackError) Is(target error) bool { return target == ErrCallbackExecution }

func illegalState(op string, st State) error {
	return fmt.Errorf("%w: %s while %s", ErrIllegalState, op, st)
}
