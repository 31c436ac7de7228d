package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/server"
	"github.com/npezzotti/swapchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func issueToken(t *testing.T, app *SwapChatApp, db *database.MockRepository, user database.User) string {
	t.Helper()
	db.On("GetAccountById", mock.Anything, user.Id).Return(user, nil).Maybe()
	token, err := app.verifier.IssueToken(types.User{Id: user.Id}, time.Hour)
	require.NoError(t, err)
	return token
}

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dialAs(t *testing.T, srv *httptest.Server, app *SwapChatApp, db *database.MockRepository, user database.User) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, issueToken(t, app, db, user)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinThread(t *testing.T, conn *websocket.Conn, threadId string) {
	t.Helper()
	data, err := json.Marshal(types.ThreadRoomPayload{ThreadId: threadId})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(types.Envelope{Event: types.EventJoinThreadRoom, Data: data}))
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func Test_serveWs_RejectsUnauthenticated(t *testing.T) {
	tcases := []struct {
		name  string
		token func(app *SwapChatApp, db *database.MockRepository) string
	}{
		{
			name:  "no token",
			token: func(*SwapChatApp, *database.MockRepository) string { return "" },
		},
		{
			name:  "garbage token",
			token: func(*SwapChatApp, *database.MockRepository) string { return "not.a.jwt" },
		},
		{
			name: "deleted account",
			token: func(app *SwapChatApp, db *database.MockRepository) string {
				db.On("GetAccountById", mock.Anything, eve.Id).Return(database.User{}, database.ErrNotFound)
				token, _ := app.verifier.IssueToken(types.User{Id: eve.Id}, time.Hour)
				return token
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			app := newTestApp(t, db)
			srv := httptest.NewServer(app.Handler())
			defer srv.Close()

			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tc.token(app, db)), nil)
			if conn != nil {
				conn.Close()
			}

			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Zero(t, app.gw.RoomSize(server.PersonalRoom(eve.Id)))
		})
	}
}

func Test_serveWs_RejectsForeignOrigin(t *testing.T) {
	db := &database.MockRepository{}
	app := newTestApp(t, db)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, issueToken(t, app, db, alice)), header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, app.gw.RoomSize(server.PersonalRoom(alice.Id)))
}

func Test_serveWs_JoinsPersonalRoom(t *testing.T) {
	db := &database.MockRepository{}
	app := newTestApp(t, db)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	conn := dialAs(t, srv, app, db, alice)

	assert.Eventually(t, func() bool {
		return app.gw.RoomSize(server.PersonalRoom(alice.Id)) == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		return app.gw.RoomSize(server.PersonalRoom(alice.Id)) == 0
	}, time.Second, 10*time.Millisecond)
}

func Test_sendMessage_BroadcastsAfterPersist(t *testing.T) {
	db := &database.MockRepository{}
	app := newTestApp(t, db)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	var persisted atomic.Bool
	db.On("GetThread", mock.Anything, "t-1").Return(testThread(true), nil)
	db.On("CreateMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		persisted.Store(true)
	}).Return(sentMessage(alice), nil).Once()
	db.On("CreateMessage", mock.Anything, mock.Anything).Return(database.Message{}, errors.New("disk full"))

	x := dialAs(t, srv, app, db, alice)
	y := dialAs(t, srv, app, db, bob)
	joinThread(t, x, "t-1")
	joinThread(t, y, "t-1")
	require.Eventually(t, func() bool {
		return app.gw.RoomSize(server.ThreadRoom("t-1")) == 2
	}, time.Second, 10*time.Millisecond)

	rr := do(t, app, db, alice, http.MethodPost, "/api/threads/t-1/messages", SendMessageRequest{Content: "Hi!", ClientToken: "tok-1"})
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	for _, conn := range []*websocket.Conn{y, x} {
		env := readEvent(t, conn)
		assert.True(t, persisted.Load(), "broadcast observed before the message was stored")
		assert.Equal(t, types.EventMessageReceived, env.Event)

		var msg types.Message
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "m-1", msg.Id)
		assert.Equal(t, "Hi!", msg.Content)
		assert.Equal(t, alice.Id, msg.Sender.Id)
		assert.Equal(t, "tok-1", msg.ClientToken)
	}

	rr = do(t, app, db, alice, http.MethodPost, "/api/threads/t-1/messages", SendMessageRequest{Content: "lost"})
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	y.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env types.Envelope
	err := y.ReadJSON(&env)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr, "expected no broadcast for a failed write, got %q", env.Event)
	assert.True(t, netErr.Timeout())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, app.gw.Shutdown(ctx))
}
