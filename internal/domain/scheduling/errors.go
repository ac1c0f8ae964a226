package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a scheduling error. The values double as the "kind" field
// of API error responses.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindAuthorization     Kind = "authorization"
)

// Error is the single error type returned by the scheduling service for
// business rule failures. Infrastructure failures are returned wrapped, not
// as *Error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

func (e *Error) ErrorKind() string { return string(e.Kind) }

func (e *Error) ErrorDetails() map[string]any { return e.Details }

// IsKind reports whether any error in err's chain is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func NotFoundError(entity string, id uuid.UUID) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", entity, id),
		Details: map[string]any{"entity": entity, "id": id.String()},
	}
}

func InvalidTransitionError(from Status, action Action) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot %s an appointment in status %s", action, from),
		Details: map[string]any{"status": string(from), "action": string(action)},
	}
}

func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func fieldError(field, format string, args ...any) *Error {
	e := ValidationError(format, args...)
	e.Details = map[string]any{"field": field}
	return e
}

func ConflictError(slotID uuid.UUID, date Date) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: fmt.Sprintf("slot %s is already taken on %s", slotID, date),
		Details: map[string]any{"slot_id": slotID.String(), "date": date.String()},
	}
}

func AuthorizationError(role Role, action Action) *Error {
	return &Error{
		Kind:    KindAuthorization,
		Message: fmt.Sprintf("role %q may not %s", role, action),
		Details: map[string]any{"role": string(role), "action": string(action)},
	}
}

// ErrNotFound is returned by repositories for a missing row. The service
// turns it into a NotFoundError naming the entity.
var ErrNotFound = errors.New("not found")
