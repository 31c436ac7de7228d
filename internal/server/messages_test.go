package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/npezzotti/swapchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelopes(t *testing.T) {
	tcases := []struct {
		name    string
		env     *types.Envelope
		code    int
		message string
	}{
		{
			name:    "invalid message",
			env:     ErrInvalidMessage(1, "typing_start"),
			code:    http.StatusBadRequest,
			message: "invalid message format",
		},
		{
			name:    "unknown event",
			env:     ErrUnknownEvent(2, "bogus"),
			code:    http.StatusBadRequest,
			message: "unknown event",
		},
		{
			name:    "invalid payload",
			env:     ErrInvalidPayload(3, "call:end", errors.New("callId is required")),
			code:    http.StatusBadRequest,
			message: "callId is required",
		},
		{
			name:    "forbidden",
			env:     ErrForbidden(4, "join_thread_room"),
			code:    http.StatusForbidden,
			message: "forbidden",
		},
		{
			name:    "internal error",
			env:     ErrInternalError(5, "call:offer"),
			code:    http.StatusInternalServerError,
			message: "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, types.EventError, tc.env.Event)

			var notice types.ErrorNotice
			require.NoError(t, json.Unmarshal(tc.env.Data, &notice))
			assert.Equal(t, tc.code, notice.Code)
			assert.Equal(t, tc.message, notice.Message)
		})
	}
}
