package room

import (
	"fmt"

	"github.com/collabkit/roomkit/internal/domain/crdt"
)

// ErrWriteDenied is returned from storage mutations on read-only sessions.
var ErrWriteDenied = crdt.ErrWriteDenied

// AuthenticationError wraps a failure of the token endpoint: non-2xx,
// non-JSON, malformed body, or an open circuit breaker.
type AuthenticationError struct {
	Cause error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("room: authentication failed: %v", e.Cause)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// RoomError is a server-side rejection: the channel was closed with a code
// in the [4000,4100] band.
type RoomError struct {
	Code   int
	Reason string
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("room: server rejected connection (%d): %s", e.Code, e.Reason)
}

// InvariantViolationError reports a misuse of the room API or a malformed
// server snapshot. It is returned to the caller (or, for a malformed
// snapshot, emitted on the error channel by the dispatcher) and never
// retried.
type InvariantViolationError struct {
	Message string
}

func (e *InvariantViolationError) Error() string {
	return "room: invariant violation: " + e.Message
}

func invariantViolation(format string, args ...any) *InvariantViolationError {
	return &InvariantViolationError{Message: fmt.Sprintf(format, args...)}
}

// StorageMutationRejectedError means the server refused previously sent ops
// (REJECT_STORAGE_OP). The replica has diverged; production builds log and
// carry on, strict builds panic.
type StorageMutationRejectedError struct {
	OpIDs  []string
	Reason string
}

func (e *StorageMutationRejectedError) Error() string {
	return fmt.Sprintf("room: server rejected storage ops %v: %s", e.OpIDs, e.Reason)
}
