package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/swapchat/internal/auth"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (s *SwapChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrDuplicate) {
			errResp = NewConflictError("email address already registered")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *SwapChatApp) session(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *SwapChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Email == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		errResp := storeError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !auth.VerifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := toUser(dbUser)
	token, err := s.verifier.IssueToken(u, auth.DefaultExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, auth.NewTokenCookie(token, auth.DefaultExpiration))

	s.writeJson(w, http.StatusOK, LoginResponse{User: u, Token: token})
}

func (s *SwapChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	cookie := auth.NewTokenCookie("", 0)
	cookie.Expires = time.Unix(0, 0)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
	w.WriteHeader(http.StatusNoContent)
}
