package task

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrRecognizerInit   = errors.New("recognizer init error")
	ErrPredict          = errors.New("predict error")
	ErrOutOfRange       = errors.New("element index out of range")
	ErrUnknownTask      = errors.New("unknown task")
	ErrMalformedCommand = errors.New("malformed command")
)

// TaskError ties an error kind to the task it happened on.
type TaskError struct {
	TaskID string
	Err    error // one of the kinds above
	Cause  error
}

func (e *TaskError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("task %q: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %q: %v: %v", e.TaskID, e.Err, e.Cause)
}

func (e *TaskError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Errorf builds a TaskError whose cause is formatted from format and args.
func Errorf(taskID string, kind error, format string, args ...any) *TaskError {
	return &TaskError{TaskID: taskID, Err: kind, Cause: fmt.Errorf(format, args...)}
}
