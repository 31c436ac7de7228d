package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/swapchat/internal/auth"
	"github.com/npezzotti/swapchat/internal/config"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/server"
	"github.com/npezzotti/swapchat/internal/stats"
	"github.com/npezzotti/swapchat/internal/testutil"
	"github.com/npezzotti/swapchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testSigningKey = []byte("test-signing-key")
	fixedNow       = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	alice = database.User{Id: "u-alice", Username: "alice", EmailAddress: "alice@example.com"}
	bob   = database.User{Id: "u-bob", Username: "bob", EmailAddress: "bob@example.com"}
	eve   = database.User{Id: "u-eve", Username: "eve", EmailAddress: "eve@example.com"}
)

// newTestApp wires an app around a mock repository and a real gateway.
func newTestApp(t *testing.T, db *database.MockRepository) *SwapChatApp {
	logger := testutil.TestLogger(t)
	su := stats.NewNopMock()

	gw, err := server.NewGateway(logger, server.NewRoomRegistry(), su)
	require.NoError(t, err)

	app := NewSwapChatApp(http.NewServeMux(), logger, gw, db, auth.NewJWTVerifier(testSigningKey, db), su, &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	app.now = func() time.Time { return fixedNow }
	return app
}

// do sends an authenticated request for user through the full handler chain.
func do(t *testing.T, app *SwapChatApp, db *database.MockRepository, user database.User, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(b))
		r = buf
	}

	req := httptest.NewRequest(method, target, r)
	if user.Id != "" {
		db.On("GetAccountById", mock.Anything, user.Id).Return(user, nil).Maybe()
		token, err := app.verifier.IssueToken(types.User{Id: user.Id}, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func assertApiError(t *testing.T, rr *httptest.ResponseRecorder, expected *ApiError) {
	t.Helper()
	assert.Equal(t, expected.StatusCode, rr.Code, "body: %s", rr.Body.String())
	got := decodeBody[ApiError](t, rr)
	assert.Equal(t, expected.Message, got.Message)
}

func TestNewSwapChatApp(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)
	db := &database.MockRepository{}
	su := stats.NewNopMock()
	gw, err := server.NewGateway(logger, server.NewRoomRegistry(), su)
	require.NoError(t, err)
	verifier := auth.NewJWTVerifier(testSigningKey, db)
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewSwapChatApp(mux, logger, gw, db, verifier, su, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.mux, "expected mux to be initialized")
	assert.Equal(t, logger, app.log, "expected logger to be set")
	assert.Equal(t, db, app.db, "expected db to be set")
	assert.Same(t, gw, app.gw, "expected gateway to be set")
	assert.Same(t, verifier, app.verifier, "expected verifier to be set")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins)
	assert.Equal(t, cfg.ServerAddr, app.mux.Addr, "expected server address to match config")

	_, pattern := mux.Handler(httptest.NewRequest(http.MethodPost, "/api/calls/c-1/end", nil))
	assert.Equal(t, "POST /api/calls/{callId}/end", pattern)
}

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &SwapChatApp{
		log: testutil.TestLogger(t),
	}

	app.log.SetOutput(buf)

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	app.errorHandler(panicHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "panic: test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &SwapChatApp{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	app.errorHandler(okHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	db := &database.MockRepository{}
	app := newTestApp(t, db)

	t.Run("valid token", func(t *testing.T) {
		rr := do(t, app, db, alice, http.MethodGet, "/api/auth/session", nil)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
		u := decodeBody[types.User](t, rr)
		assert.Equal(t, alice.Id, u.Id)
	})

	t.Run("missing token", func(t *testing.T) {
		rr := do(t, app, db, database.User{}, http.MethodGet, "/api/auth/session", nil)
		assertApiError(t, rr, NewUnauthorizedError())
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(auth.NewTokenCookie("garbage", time.Hour))
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)

		assertApiError(t, rr, NewUnauthorizedError())
	})

	t.Run("unknown user", func(t *testing.T) {
		db.On("GetAccountById", mock.Anything, "u-ghost").Return(database.User{}, database.ErrNotFound)
		token, err := app.verifier.IssueToken(types.User{Id: "u-ghost"}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)

		assertApiError(t, rr, NewUnauthorizedError())
	})
}
