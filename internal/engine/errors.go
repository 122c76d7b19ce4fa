package engine

import (
	"errors"
	"fmt"
)

// TaskError reports a dispatcher-level failure of a task that is not a
// classified fault from a collaborator.
type TaskError struct {
	Code    TaskErrorCode
	Message string
	TaskID  int64
	Opcode  Opcode

	// Stack is the goroutine stack for panics.
	Stack string
}

// TaskErrorCode categorizes task errors.
type TaskErrorCode string

const (
	// ErrCodePanic indicates the handler panicked.
	ErrCodePanic TaskErrorCode = "PANIC"

	// ErrCodeUnknownOpcode indicates no handler is registered for the opcode.
	ErrCodeUnknownOpcode TaskErrorCode = "UNKNOWN_OPCODE"

	// ErrCodeMissingRestage indicates a restage result without a restage.
	ErrCodeMissingRestage TaskErrorCode = "MISSING_RESTAGE"
)

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s (task=%d, opcode=%s)", e.Code, e.Message, e.TaskID, e.Opcode)
}

// IsPanicError reports whether err came from a recovered handler panic.
func IsPanicError(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code == ErrCodePanic
	}
	return false
}
