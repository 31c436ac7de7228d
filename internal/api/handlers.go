package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/swapchat/internal/auth"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/types"
)

func (s *SwapChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *SwapChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *SwapChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Println("health check:", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// parsePage reads the optional page and limit query parameters.
func parsePage(r *http.Request, defaultLimit int) (page, limit int, err error) {
	page, limit = 1, defaultLimit

	if v := r.URL.Query().Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}

	_, limit = database.PageBounds(page, limit, defaultLimit)
	return page, limit, nil
}

func (s *SwapChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs authenticates the handshake and hands the upgraded connection to
// the gateway. Nothing is registered when authentication fails.
func (s *SwapChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, err := s.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		s.log.Printf("ws handshake rejected: %v", err)
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if _, err := s.gw.Serve(conn, types.User{Id: user.Id, Username: user.Username}); err != nil {
		s.log.Println("register client:", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
	}
}
