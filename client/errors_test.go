package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "nil",
			err:  nil,
			want: KindUnknown,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: KindUnknown,
		},
		{
			name: "tagged login failure",
			err:  &AuthenticationFailedError{Err: &MatrixError{Code: ErrCodeForbidden, Message: "Invalid password", StatusCode: 403}},
			want: KindAuthenticationFailed,
		},
		{
			name: "unknown token",
			err:  &MatrixError{Code: ErrCodeUnknownToken, Message: "Unrecognised access token.", StatusCode: 401},
			want: KindAuthenticationFailed,
		},
		{
			name: "missing token",
			err:  &MatrixError{Code: ErrCodeMissingToken, StatusCode: 401},
			want: KindAuthenticationFailed,
		},
		{
			name: "not found",
			err:  &MatrixError{Code: ErrCodeNotFound, Message: "Event not found.", StatusCode: 404},
			want: KindNotFound,
		},
		{
			name: "rate limited",
			err:  &MatrixError{Code: ErrCodeLimitExceeded, Message: "Too Many Requests", StatusCode: 429},
			want: KindRateLimited,
		},
		{
			name: "forbidden",
			err:  &MatrixError{Code: ErrCodeForbidden, Message: "You are not invited to this room.", StatusCode: 403},
			want: KindForbidden,
		},
		{
			name: "forbidden but actually already joined, synapse wording",
			err:  &MatrixError{Code: ErrCodeForbidden, Message: "@alice:test is already in the room.", StatusCode: 403},
			want: KindAlreadyMember,
		},
		{
			name: "forbidden but actually already joined, alternate wording",
			err:  &MatrixError{Code: ErrCodeForbidden, Message: "User is already joined to the room", StatusCode: 403},
			want: KindAlreadyMember,
		},
		{
			name: "wrapped matrix error",
			err:  fmt.Errorf("join: %w", &MatrixError{Code: ErrCodeForbidden, Message: "Alice is already a member of this room", StatusCode: 403}),
			want: KindAlreadyMember,
		},
		{
			name: "forbidden with 401 status",
			err:  &MatrixError{Code: ErrCodeForbidden, Message: "No access", StatusCode: 401},
			want: KindAuthenticationFailed,
		},
		{
			name: "unrecognised code",
			err:  &MatrixError{Code: "M_WEIRD", StatusCode: 400},
			want: KindUnknown,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	already := fmt.Errorf("invite: %w", &MatrixError{Code: ErrCodeForbidden, Message: "@bob:test is already in the room.", StatusCode: 403})
	assert.True(t, IsAlreadyInTheRoom(already))
	assert.False(t, IsNotFound(already))

	missing := &MatrixError{Code: ErrCodeNotFound, StatusCode: 404}
	assert.True(t, IsNotFound(missing))
	assert.False(t, IsAlreadyInTheRoom(missing))

	limited := &MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429}
	assert.True(t, IsRateLimited(limited))

	auth := &AuthenticationFailedError{Err: errors.New("dial tcp: connection refused")}
	assert.True(t, IsAuthenticationFailed(auth))
}

func TestIllegalStateError(t *testing.T) {
	err := &IllegalStateError{Op: "sync", State: StateDestroyed}
	assert.Contains(t, err.Error(), "sync")
	assert.Contains(t, err.Error(), "DESTROYED")
}

func TestMatrixErrorMessage(t *testing.T) {
	err := &MatrixError{Code: ErrCodeForbidden, Message: "nope", StatusCode: 403}
	assert.Equal(t, "M_FORBIDDEN (HTTP 403): nope", err.Error())
}
