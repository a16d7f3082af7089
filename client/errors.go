package client

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes returned by homeservers in the errcode field.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUserInUse     = "M_USER_IN_USE"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeRoomInUse     = "M_ROOM_IN_USE"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
)

// MatrixError is a structured error response from the homeserver. Every
// non-2xx response with a parseable JSON body becomes one of these.
// Callers extract it with errors.As, or use Classify / the predicate
// helpers instead of inspecting codes directly.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// AuthenticationFailedError wraps a login failure. Bad credentials
// come back as a plain M_FORBIDDEN, indistinguishable by code from any
// other permission error, so Login tags its failures explicitly.
type AuthenticationFailedError struct {
	Err error
}

func (e *AuthenticationFailedError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthenticationFailedError) Unwrap() error { return e.Err }

// Kind is the semantic classification of a failed call.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthenticationFailed
	KindForbidden
	KindNotFound
	KindAlreadyMember
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindAlreadyMember:
		return "already_member"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Classify maps a failed call to a Kind. Classification is by errcode
// first. M_FORBIDDEN is ambiguous: homeservers reuse it for bad login
// credentials, genuine permission failures and "already a member of the
// room" rejections, so those cases fall back to the status code and the
// message text. Transport failures and anything unrecognised classify
// as KindUnknown.
func Classify(err error) Kind {
	var authErr *AuthenticationFailedError
	if errors.As(err, &authErr) {
		return KindAuthenticationFailed
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return KindUnknown
	}
	switch matrixErr.Code {
	case ErrCodeUnknownToken, ErrCodeMissingToken:
		return KindAuthenticationFailed
	case ErrCodeNotFound:
		return KindNotFound
	case ErrCodeLimitExceeded:
		return KindRateLimited
	case ErrCodeForbidden:
		if isAlreadyMemberMessage(matrixErr.Message) {
			return KindAlreadyMember
		}
		if matrixErr.StatusCode == 401 {
			return KindAuthenticationFailed
		}
		return KindForbidden
	default:
		return KindUnknown
	}
}

// isAlreadyMemberMessage is the single place that encodes the fragile
// "already a member" heuristic. The server gives no dedicated errcode
// for a duplicate join: it is an M_FORBIDDEN whose message mentions the
// existing membership. Synapse says "%s is already in the room",
// Dendrite "user is already joined to room". If a homeserver changes
// its wording, fix it here and nowhere else.
func isAlreadyMemberMessage(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "already in the room") ||
		strings.Contains(m, "already joined") ||
		strings.Contains(m, "already a member")
}

// IsAlreadyInTheRoom reports whether err is a membership rejection
// meaning the user is already joined. Callers performing idempotent
// joins treat this as success; everyone else treats it as a bug.
func IsAlreadyInTheRoom(err error) bool {
	return Classify(err) == KindAlreadyMember
}

// IsNotFound reports whether err means the requested room, event or
// state entry does not exist.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}

// IsAuthenticationFailed reports whether err means the credentials or
// access token were rejected.
func IsAuthenticationFailed(err error) bool {
	return Classify(err) == KindAuthenticationFailed
}

// IsRateLimited reports whether err is an M_LIMIT_EXCEEDED response.
func IsRateLimited(err error) bool {
	return Classify(err) == KindRateLimited
}

// IllegalStateError reports an operation attempted in a session state
// that forbids it, e.g. syncing before login or anything after Destroy.
// These are programming errors: they fail immediately and are never
// retried internally.
type IllegalStateError struct {
	Op    string
	State SessionState
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("%s: illegal session state %s", e.Op, e.State)
}
