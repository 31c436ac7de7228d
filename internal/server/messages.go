package server

import (
	"encoding/json"
	"net/http"

	"github.com/npezzotti/swapchat/internal/types"
)

func errorEnvelope(id int, code int, message, event string) *types.Envelope {
	data, _ := json.Marshal(types.ErrorNotice{
		Code:    code,
		Message: message,
		Event:   event,
	})

	return &types.Envelope{
		Event: types.EventError,
		Id:    id,
		Data:  data,
	}
}

func ErrInvalidMessage(id int, event string) *types.Envelope {
	return errorEnvelope(id, http.StatusBadRequest, "invalid message format", event)
}

func ErrUnknownEvent(id int, event string) *types.Envelope {
	return errorEnvelope(id, http.StatusBadRequest, "unknown event", event)
}

func ErrInvalidPayload(id int, event string, err error) *types.Envelope {
	return errorEnvelope(id, http.StatusBadRequest, err.Error(), event)
}

func ErrForbidden(id int, event string) *types.Envelope {
	return errorEnvelope(id, http.StatusForbidden, "forbidden", event)
}

func ErrInternalError(id int, event string) *types.Envelope {
	return errorEnvelope(id, http.StatusInternalServerError, "internal server error", event)
}
