package apierror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{InternalServerError("x"), 500},
		{MalformedError("x"), 400},
		{UnauthorizedError("x"), 401},
		{ForbiddenError("x"), 403},
		{NotFoundError("x"), 404},
		{ConflictError("x"), 409},
		{RateLimitError("x"), 429},
		{InvalidDIDError("x"), 400},
		{InvalidUsernameError("x"), 400},
		{InvalidCapabilityError("x"), 403},
		{ExpiredTokenError("x"), 401},
		{RevokedError("x"), 401},
		{ConnectionFailureError("x"), 502},
	}
	for _, c := range cases {
		ae, ok := c.err.(*APIError)
		if !assert.True(t, ok) {
			continue
		}
		assert.Equal(t, c.status, ae.HTTPStatus())
	}
}

func TestIs(t *testing.T) {
	err := NotFoundError("no such thing")
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Conflict))
	assert.False(t, Is(errors.New("plain error"), NotFound))
}

func TestErrorFormatsArgs(t *testing.T) {
	err := ConflictError("username %q taken", "alice")
	assert.Equal(t, `username "alice" taken`, err.Error())
}
