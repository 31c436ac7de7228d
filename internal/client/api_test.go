package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

// newTestAPI serves status and resp for every request and records what it saw.
func newTestAPI(t *testing.T, status int, resp any) (*API, *recordedRequest) {
	t.Helper()

	seen := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.method = r.Method
		seen.path = r.URL.Path
		seen.query = r.URL.RawQuery
		seen.auth = r.Header.Get("Authorization")

		b, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		if len(b) > 0 {
			assert.NoError(t, json.Unmarshal(b, &seen.body))
		}

		if resp == nil {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return NewAPI(srv.URL+"/", "tok"), seen
}

func Test_API_Login(t *testing.T) {
	api, seen := newTestAPI(t, http.StatusOK, map[string]any{
		"user":  alice,
		"token": "fresh",
	})

	user, err := api.Login(context.Background(), "alice@example.com", "secret")
	require.NoError(t, err)

	assert.Equal(t, alice.Id, user.Id)
	assert.Equal(t, "fresh", api.Token())
	assert.Equal(t, http.MethodPost, seen.method)
	assert.Equal(t, "/api/auth/login", seen.path)
	assert.Equal(t, map[string]any{"email": "alice@example.com", "password": "secret"}, seen.body)
}

func Test_API_SendMessage(t *testing.T) {
	api, seen := newTestAPI(t, http.StatusCreated, stored("m-1", alice, "hello", "tok-1", timelineNow))

	msg, err := api.SendMessage(context.Background(), "t-1", "hello", "tok-1")
	require.NoError(t, err)

	assert.Equal(t, "m-1", msg.Id)
	assert.Equal(t, "tok-1", msg.ClientToken)
	assert.Equal(t, "Bearer tok", seen.auth)
	assert.Equal(t, "/api/threads/t-1/messages", seen.path)
	assert.Equal(t, map[string]any{"content": "hello", "type": "text", "clientToken": "tok-1"}, seen.body)
}

func Test_API_Requests(t *testing.T) {
	tcases := []struct {
		name   string
		call   func(a *API) error
		method string
		path   string
		query  string
		body   map[string]any
	}{
		{
			name:   "list messages",
			call:   func(a *API) error { _, err := a.ListMessages(context.Background(), "t-1", 2, 20); return err },
			method: http.MethodGet,
			path:   "/api/threads/t-1/messages",
			query:  "limit=20&page=2",
		},
		{
			name:   "mark read",
			call:   func(a *API) error { return a.MarkRead(context.Background(), "t-1", "m-1") },
			method: http.MethodPatch,
			path:   "/api/threads/t-1/messages/m-1/read",
		},
		{
			name:   "start call",
			call:   func(a *API) error { _, err := a.StartCall(context.Background(), "t-1", bob.Id, true); return err },
			method: http.MethodPost,
			path:   "/api/calls",
			body:   map[string]any{"threadId": "t-1", "recipientId": bob.Id, "isVideoCall": true},
		},
		{
			name:   "answer call",
			call:   func(a *API) error { _, err := a.AnswerCall(context.Background(), "c-1", false); return err },
			method: http.MethodPost,
			path:   "/api/calls/c-1/answer",
			body:   map[string]any{"accept": false},
		},
		{
			name:   "miss call",
			call:   func(a *API) error { _, err := a.MissCall(context.Background(), "c-1"); return err },
			method: http.MethodPost,
			path:   "/api/calls/c-1/miss",
		},
		{
			name: "record signaling",
			call: func(a *API) error {
				_, err := a.RecordSignaling(context.Background(), "c-1", "offer", json.RawMessage(`{"sdp":"o"}`))
				return err
			},
			method: http.MethodPost,
			path:   "/api/calls/c-1/signaling",
			body:   map[string]any{"type": "offer", "data": map[string]any{"sdp": "o"}},
		},
		{
			name:   "call history",
			call:   func(a *API) error { _, err := a.CallHistory(context.Background(), 1, 10); return err },
			method: http.MethodGet,
			path:   "/api/calls/history",
			query:  "limit=10&page=1",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			api, seen := newTestAPI(t, http.StatusOK, map[string]any{})

			require.NoError(t, tc.call(api))
			assert.Equal(t, tc.method, seen.method)
			assert.Equal(t, tc.path, seen.path)
			assert.Equal(t, tc.query, seen.query)
			assert.Equal(t, tc.body, seen.body)
		})
	}
}

func Test_API_Errors(t *testing.T) {
	tcases := []struct {
		name     string
		status   int
		resp     any
		expected APIError
	}{
		{
			name:     "api error body",
			status:   http.StatusConflict,
			resp:     map[string]any{"status_code": 409, "message": "call already ended"},
			expected: APIError{StatusCode: http.StatusConflict, Message: "call already ended"},
		},
		{
			name:     "empty body",
			status:   http.StatusForbidden,
			expected: APIError{StatusCode: http.StatusForbidden, Message: "forbidden"},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			api, _ := newTestAPI(t, tc.status, tc.resp)

			_, err := api.EndCall(context.Background(), "c-1")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.expected, *apiErr)
		})
	}
}

func Test_API_NoContent(t *testing.T) {
	api, _ := newTestAPI(t, http.StatusNoContent, nil)

	threads, err := api.ListThreads(context.Background())
	require.NoError(t, err)
	assert.Nil(t, threads)
}
