package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/swapchat/internal/auth"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/stats"
	"github.com/npezzotti/swapchat/internal/types"
)

type StartCallRequest struct {
	ThreadId    string `json:"threadId"`
	RecipientId string `json:"recipientId"`
	IsVideoCall bool   `json:"isVideoCall"`
}

type AnswerCallRequest struct {
	Accept *bool `json:"accept"`
}

type SignalingRequest struct {
	Type database.SignalingKind `json:"type"`
	Data json.RawMessage        `json:"data"`
}

func toCall(c database.Call) types.Call {
	call := types.Call{
		Id:              c.Id,
		ThreadId:        c.ThreadId,
		Caller:          types.Sender{Id: c.CallerId, Username: c.CallerUsername},
		Recipient:       types.Sender{Id: c.RecipientId, Username: c.RecipientUsername},
		IsVideoCall:     c.IsVideoCall,
		Status:          c.Status,
		StartedAt:       c.StartedAt,
		EndedAt:         c.EndedAt,
		DurationSeconds: c.DurationSeconds,
		Signaling: types.SignalingSnapshot{
			Offer:         c.Signaling.Offer,
			Answer:        c.Signaling.Answer,
			IceCandidates: []types.IceCandidate{},
		},
	}
	for _, ic := range c.Signaling.IceCandidates {
		call.Signaling.IceCandidates = append(call.Signaling.IceCandidates, types.IceCandidate{
			Candidate: ic.Candidate,
			Timestamp: ic.Timestamp,
		})
	}
	return call
}

func toCalls(calls []database.Call) []types.Call {
	resp := make([]types.Call, 0, len(calls))
	for _, c := range calls {
		resp = append(resp, toCall(c))
	}
	return resp
}

func (s *SwapChatApp) startCall(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.ThreadId == "" || req.RecipientId == "" {
		s.writeError(w, NewValidationError("threadId and recipientId are required"))
		return
	}

	if req.RecipientId == user.Id {
		s.writeError(w, NewValidationError("cannot call yourself"))
		return
	}

	thread, err := s.db.GetThread(r.Context(), req.ThreadId)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	if !thread.HasParticipant(user.Id) {
		s.writeError(w, NewForbiddenError())
		return
	}

	if !thread.HasParticipant(req.RecipientId) {
		s.writeError(w, NewValidationError("recipient is not a participant of this thread"))
		return
	}

	if !thread.IsActive {
		s.writeError(w, NewConflictError("thread is archived"))
		return
	}

	_, err = s.db.GetActiveCallForThread(r.Context(), thread.Id)
	switch {
	case err == nil:
		s.writeError(w, NewConflictError("a call is already in progress for this thread"))
		return
	case !errors.Is(err, database.ErrNotFound):
		s.writeError(w, NewInternalServerError(err))
		return
	}

	call, err := s.db.CreateCall(r.Context(), database.CreateCallParams{
		ThreadId:    thread.Id,
		CallerId:    user.Id,
		RecipientId: req.RecipientId,
		IsVideoCall: req.IsVideoCall,
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.writeError(w, NewConflictError("a call is already in progress for this thread"))
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.stats.Incr(stats.NumCallsStarted)
	s.writeJson(w, http.StatusCreated, toCall(call))
}

// loadCall fetches the call named in the path and checks the caller is one
// of its two parties.
func (s *SwapChatApp) loadCall(r *http.Request, user types.User) (database.Call, *ApiError) {
	call, err := s.db.GetCall(r.Context(), r.PathValue("callId"))
	if err != nil {
		return database.Call{}, storeError(err)
	}

	if call.CallerId != user.Id && call.RecipientId != user.Id {
		return database.Call{}, NewForbiddenError()
	}

	return call, nil
}

// transition moves call to status to, guarded by the statuses that may
// precede it. A lost race with a concurrent update is reported as a conflict.
func (s *SwapChatApp) transition(w http.ResponseWriter, r *http.Request, call database.Call, to types.CallStatus) {
	if !types.CanTransition(call.Status, to) {
		s.writeError(w, NewConflictError(fmt.Sprintf("call is already %s", call.Status)))
		return
	}

	params := database.TransitionCallParams{
		CallId: call.Id,
		From:   types.SourcesOf(to),
		To:     to,
	}

	if to.Terminal() {
		endedAt := s.now()
		params.EndedAt = &endedAt
		if to == types.CallEnded {
			duration := types.Duration(call.StartedAt, endedAt)
			params.DurationSeconds = &duration
		}
	}

	updated, err := s.db.TransitionCall(r.Context(), params)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.writeError(w, NewConflictError(fmt.Sprintf("call can no longer move to %s", to)))
			return
		}
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toCall(updated))
}

func (s *SwapChatApp) ringCall(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	call, errResp := s.loadCall(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if call.RecipientId != user.Id {
		s.writeError(w, NewForbiddenError())
		return
	}

	s.transition(w, r, call, types.CallRinging)
}

func (s *SwapChatApp) answerCall(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req AnswerCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Accept == nil {
		s.writeError(w, NewValidationError("accept is required"))
		return
	}

	call, errResp := s.loadCall(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if call.RecipientId != user.Id {
		s.writeError(w, NewForbiddenError())
		return
	}

	to := types.CallRejected
	if *req.Accept {
		to = types.CallAnswered
	}

	s.transition(w, r, call, to)
}

func (s *SwapChatApp) endCall(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	call, errResp := s.loadCall(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	s.transition(w, r, call, types.CallEnded)
}

// missCall lets the caller close an attempt nobody answered.
func (s *SwapChatApp) missCall(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	call, errResp := s.loadCall(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if call.CallerId != user.Id {
		s.writeError(w, NewForbiddenError())
		return
	}

	s.transition(w, r, call, types.CallMissed)
}

func (s *SwapChatApp) appendSignaling(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req SignalingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if !req.Type.Valid() || len(req.Data) == 0 {
		s.writeError(w, NewValidationError("type must be offer, answer or ice-candidate and data is required"))
		return
	}

	call, errResp := s.loadCall(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	updated, err := s.db.AppendSignaling(r.Context(), call.Id, req.Type, req.Data, s.now())
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toCall(updated))
}

func (s *SwapChatApp) activeCalls(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	calls, err := s.db.ListActiveCalls(r.Context(), user.Id)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toCalls(calls))
}

func (s *SwapChatApp) callHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	page, limit, err := parsePage(r, database.DefaultCallPageSize)
	if err != nil {
		s.writeError(w, NewValidationError(err.Error()))
		return
	}

	calls, total, err := s.db.ListCallHistory(r.Context(), user.Id, page, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.CallPage{
		Calls: toCalls(calls),
		Pagination: types.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
		},
	})
}
