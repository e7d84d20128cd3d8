package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicate         = errors.New("destination already has an active task")
	ErrInvalidSpec       = errors.New("invalid task spec")
	ErrTooLarge          = errors.New("task exceeds maximum file size")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrClosed            = errors.New("scheduler closed")
	ErrUnauthorized      = errors.New("owner not authorized")

	// ErrCancelled is the cause attached to a transfer context when the user
	// asked for cancellation. It never produces a failed task.
	ErrCancelled = errors.New("cancellation requested")
	// ErrInsufficientSpace is never surfaced to callers; it parks a task.
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrUnsatisfiableSize = errors.New("task can never fit on the target volume")
	ErrWaitTimeout       = errors.New("exceeded maximum wait for space")
)

// InvalidTransitionError is returned by the registry when a task is not in any
// of the expected source states. Callers treat it as a lost race.
type InvalidTransitionError struct {
	TaskID  string
	Current Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %q → %q", e.TaskID, e.Current, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type TransferErrorKind string

const (
	TransferTransient TransferErrorKind = "transient"
	TransferFatal     TransferErrorKind = "fatal"
)

// TransferError is the classified failure a Transport reports.
type TransferError struct {
	Kind TransferErrorKind
	Op   string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s transfer error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s transfer error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &TransferError{Kind: TransferTransient, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &TransferError{Kind: TransferFatal, Op: op, Err: err}
}
