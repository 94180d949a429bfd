// Package errors provides structured error types for wrangler.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for wrangler.
const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	CodeLocked            Code = "LOCKED"
	CodePrecondition      Code = "PRECONDITION_FAILED"
	CodeConflict          Code = "CONFLICT"
	CodeExternal          Code = "EXTERNAL"
	CodeUnknownAction     Code = "UNKNOWN_ACTION"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotFound:          CategoryNotFound,
	CodeInvalidArgument:   CategoryBadRequest,
	CodeIllegalTransition: CategoryConflict,
	CodeLocked:            CategoryConflict,
	CodePrecondition:      CategoryBadRequest,
	CodeConflict:          CategoryConflict,
	CodeExternal:          CategoryInternal,
	CodeUnknownAction:     CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	default:
		return 500
	}
}

// Error is the structured error type for wrangler. The Message field
// carries the exact wire text surfaced to callers; Cause retains the
// underlying error for logging and unwrapping.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// --- Constructors ---

// ProjectNotFound reports a missing project row.
func ProjectNotFound(id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("Project not found: %s", id)}
}

// TaskNotFound reports a missing task row.
func TaskNotFound(id int64) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("Task not found: %d", id)}
}

// CommandNotFound reports a missing stored command row.
func CommandNotFound(id any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("Command not found: %v", id)}
}

// NotFoundf reports a missing row with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Required reports a missing or blank required field.
func Required(field string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: field + " required"}
}

// RequiredBoth reports two missing required fields.
func RequiredBoth(a, b string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("%s and %s required", a, b)}
}

// Invalid reports an invalid argument with a caller-supplied message.
func Invalid(msg string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: msg}
}

// TransitionFailed reports a conditional status update that touched no
// rows: either the row vanished or its status was outside the allowed
// from-set.
func TransitionFailed(taskID int64, from, to string) *Error {
	return &Error{
		Code:    CodeIllegalTransition,
		Message: fmt.Sprintf("Task status transition failed for %d: %s -> %s", taskID, from, to),
	}
}

// ProjectTransitionInvalid reports a disallowed project state change.
func ProjectTransitionInvalid(from, to string) *Error {
	return &Error{
		Code:    CodeIllegalTransition,
		Message: fmt.Sprintf("Invalid project state transition: %s -> %s", from, to),
	}
}

// CommandLocked reports a destructive edit to a locked command.
func CommandLocked(id int64) *Error {
	return &Error{Code: CodeLocked, Message: fmt.Sprintf("Command %d is locked", id)}
}

// ForceReasonRequired reports a forced edit without a reason.
func ForceReasonRequired() *Error {
	return &Error{Code: CodeLocked, Message: "force reason required when mutating locked command"}
}

// Precondition reports an unmet precondition with a caller-supplied message.
func Precondition(msg string) *Error {
	return &Error{Code: CodePrecondition, Message: msg}
}

// MergeFailed reports a git merge failure that is not a conflict.
func MergeFailed(output string) *Error {
	return &Error{Code: CodeExternal, Message: "Merge failed: " + output}
}

// UnknownAction reports an unrecognized action name.
func UnknownAction(name string) *Error {
	return &Error{Code: CodeUnknownAction, Message: "Unknown action: " + name}
}

// Wrap wraps a generic error with a message, preserving the cause.
func Wrap(err error, msg string) *Error {
	return &Error{Code: CodeExternal, Message: msg, Cause: err}
}

// AsError attempts to convert an error to a structured *Error.
// Returns nil if the error (or its chain) is not an *Error.
func AsError(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
