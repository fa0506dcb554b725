package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrInvalidInput, "invalid_input"},
		{ErrCoordinatorUnavailable, "coordinator_unavailable"},
		{ErrMessageTooLarge, "message_too_large"},
		{ErrMalformedState, "malformed_state"},
		{ErrSessionDead, "session_dead"},
		{fmt.Errorf("wrap: %w", ErrInvalidInput), "invalid_input"},
		{errors.New("unrelated"), ""},
		{nil, ""},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Kind(c.err))
	}
}
