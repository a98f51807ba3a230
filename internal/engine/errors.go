package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/procflow/internal/store"
)

// RuntimeError is an error detected while executing an operation.
//
// Errors that concern a single node are usually not returned at all: they
// are persisted on the node instance as an instance.Failure carrying the
// same code. RuntimeError is returned when the operation itself cannot
// proceed (unknown handle, disallowed transition, exhausted conflict
// retries).
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Instance is the uuid of the affected process instance, if known.
	Instance string

	// Node is the model node id, if known.
	Node string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors and persisted node failures.
type RuntimeErrorCode string

const (
	ErrCodeUnknownNode       RuntimeErrorCode = "UNKNOWN_NODE"
	ErrCodeUnknownModel      RuntimeErrorCode = "UNKNOWN_MODEL"
	ErrCodeInvalidTransition RuntimeErrorCode = "INVALID_TRANSITION"
	ErrCodeNotFound          RuntimeErrorCode = "NOT_FOUND"
	ErrCodeTxConflict        RuntimeErrorCode = "TX_CONFLICT"

	// Node failure codes.
	ErrCodeSplitUnderflow = RuntimeErrorCode("SPLIT_UNDERFLOW")
	ErrCodeSplitOverflow  = RuntimeErrorCode("SPLIT_OVERFLOW")
	ErrCodeJoinUnderflow  = RuntimeErrorCode("JOIN_UNDERFLOW")
	ErrCodeJoinOverflow   = RuntimeErrorCode("JOIN_OVERFLOW")
	ErrCodeDataError      = RuntimeErrorCode("DATA_ERROR")
	ErrCodeAuthDenied     = RuntimeErrorCode("AUTHORIZATION_DENIED")
	ErrCodeDispatchFailed = RuntimeErrorCode("DISPATCH_FAILED")
	ErrCodeChildCancelled = RuntimeErrorCode("CHILD_CANCELLED")
	ErrCodeChildAbandoned = RuntimeErrorCode("CHILD_ABANDONED")
	ErrCodeOperatorFailed = RuntimeErrorCode("OPERATOR_FAILED")
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	switch {
	case e.Instance != "" && e.Node != "":
		return fmt.Sprintf("%s: %s (instance=%s, node=%s)", e.Code, msg, e.Instance, e.Node)
	case e.Instance != "":
		return fmt.Sprintf("%s: %s (instance=%s)", e.Code, msg, e.Instance)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, codes ...RuntimeErrorCode) bool {
	var re *RuntimeError
	if !errors.As(err, &re) {
		return false
	}
	for _, c := range codes {
		if re.Code == c {
			return true
		}
	}
	return false
}

// IsConflict reports whether err is a transaction conflict that survived
// every retry. Uses errors.As and errors.Is to see through wrapping.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeTxConflict) || errors.Is(err, store.ErrConflict)
}

// IsModelError reports whether err refers to a model or node that does not
// exist.
func IsModelError(err error) bool {
	return hasCode(err, ErrCodeUnknownNode, ErrCodeUnknownModel)
}

// IsNotFound reports whether err refers to an unknown handle.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound) || errors.Is(err, store.ErrNotFound)
}

// IsInvalidTransition reports whether err is a disallowed state change.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

func notFound(what string, id fmt.Stringer) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %s", what, id),
		Err:     store.ErrNotFound,
	}
}
