package store

import (
	"errors"
	"fmt"
)

// Stable error kinds reported to callers.
const (
	KindPermissionDenied   = "permission_denied"
	KindInvalidOperation   = "invalid_operation"
	KindAlreadyMember      = "already_member"
	KindNotMember          = "not_member"
	KindLastAdminViolation = "last_admin_violation"
	KindUnavailable        = "unavailable"
	KindNotFound           = "not_found"
	KindBadRequest         = "bad_request"
	KindInternal           = "internal_error"
)

// NotFoundError indicates the resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// PermissionDeniedError indicates the caller is not an active admin of the conversation.
type PermissionDeniedError struct {
	UserID         string
	ConversationID string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %s is not an admin of conversation %s", e.UserID, e.ConversationID)
}

// InvalidOperationError indicates the operation does not apply to the conversation kind.
type InvalidOperationError struct {
	Message string
}

func (e *InvalidOperationError) Error() string {
	return e.Message
}

// AlreadyMemberError indicates the target already has an active episode.
type AlreadyMemberError struct {
	UserID         string
	ConversationID string
}

func (e *AlreadyMemberError) Error() string {
	return fmt.Sprintf("user %s is already a participant of conversation %s", e.UserID, e.ConversationID)
}

// NotMemberError indicates the target has no active episode.
type NotMemberError struct {
	UserID         string
	ConversationID string
}

func (e *NotMemberError) Error() string {
	return fmt.Sprintf("user %s is not a participant of conversation %s", e.UserID, e.ConversationID)
}

// LastAdminError indicates the change would leave a group without an active admin.
type LastAdminError struct {
	UserID         string
	ConversationID string
}

func (e *LastAdminError) Error() string {
	return fmt.Sprintf("user %s is the last admin of conversation %s", e.UserID, e.ConversationID)
}

// UnavailableError indicates a store timeout or transient failure. Safe to retry.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store unavailable during %s", e.Op)
	}
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// KindOf returns the stable kind of err, or KindInternal for unclassified errors.
func KindOf(err error) string {
	var (
		notFound    *NotFoundError
		validation  *ValidationError
		denied      *PermissionDeniedError
		invalid     *InvalidOperationError
		already     *AlreadyMemberError
		notMember   *NotMemberError
		lastAdmin   *LastAdminError
		unavailable *UnavailableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &denied):
		return KindPermissionDenied
	case errors.As(err, &invalid):
		return KindInvalidOperation
	case errors.As(err, &already):
		return KindAlreadyMember
	case errors.As(err, &notMember):
		return KindNotMember
	case errors.As(err, &lastAdmin):
		return KindLastAdminViolation
	case errors.As(err, &unavailable):
		return KindUnavailable
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &validation):
		return KindBadRequest
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the operation that produced err may be retried as is.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
