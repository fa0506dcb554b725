// Package apperr defines the small set of error kinds the fabric
// distinguishes on its way back out to an HTTP or WebSocket caller. Nothing
// here panics; background loops and handlers alike classify failures
// through errors.Is/errors.As instead of string matching.
package apperr

import "errors"

var (
	// ErrInvalidInput marks a caller-supplied payload that cannot be
	// accepted (missing user id, malformed JSON).
	ErrInvalidInput = errors.New("invalid input")

	// ErrCoordinatorUnavailable marks a Redis-backed operation that could
	// not complete because the coordinator is unreachable or its breaker
	// is open.
	ErrCoordinatorUnavailable = errors.New("coordinator unavailable")

	// ErrMessageTooLarge marks a notification payload exceeding the
	// configured size ceiling.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMalformedState marks state read back from the coordinator that
	// does not decode into the expected shape (a corrupted pending entry,
	// an unparsable registry value).
	ErrMalformedState = errors.New("malformed state")

	// ErrSessionDead marks an operation attempted against a session whose
	// connector has already closed.
	ErrSessionDead = errors.New("session dead")
)

// Kind classifies err against the sentinels above, defaulting to
// ErrCoordinatorUnavailable's sibling "unknown" bucket represented by the
// zero value "".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrCoordinatorUnavailable):
		return "coordinator_unavailable"
	case errors.Is(err, ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, ErrMalformedState):
		return "malformed_state"
	case errors.Is(err, ErrSessionDead):
		return "session_dead"
	default:
		return ""
	}
}
