package validation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTask        = errors.New("invalid task")
	ErrDuplicateTask      = errors.New("duplicate task id")
	ErrDanglingDependency = errors.New("dependency references unknown task")
)

// Error reports a validation failure for a specific task.
type Error struct {
	Kind       error
	TaskID     string
	Dependency string
	Msg        string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, taskID, dep, msg string) *Error {
	return &Error{Kind: kind, TaskID: taskID, Dependency: dep, Msg: msg}
}
