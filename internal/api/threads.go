package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/swapchat/internal/auth"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/stats"
	"github.com/npezzotti/swapchat/internal/types"
)

type CreateThreadRequest struct {
	SwapRequestId string `json:"swapRequestId"`
}

type SendMessageRequest struct {
	Content     string            `json:"content"`
	Type        types.MessageType `json:"type"`
	ClientToken string            `json:"clientToken"`
}

func toThread(t database.Thread) types.Thread {
	thread := types.Thread{
		Id:            t.Id,
		SwapRequestId: t.SwapRequestId,
		LastMessageAt: t.LastMessageAt,
		IsActive:      t.IsActive,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	for _, p := range t.Participants {
		thread.Participants = append(thread.Participants, types.User{Id: p.Id, Username: p.Username})
	}
	return thread
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:          m.Id,
		ThreadId:    m.ThreadId,
		Sender:      types.Sender{Id: m.SenderId, Username: m.SenderUsername},
		Content:     m.Content,
		Type:        types.MessageType(m.Type),
		IsRead:      m.IsRead,
		ReadAt:      m.ReadAt,
		CreatedAt:   m.CreatedAt,
		ClientToken: m.ClientToken,
	}
}

// loadThread fetches the thread named in the path and checks the caller
// participates in it.
func (s *SwapChatApp) loadThread(r *http.Request, user types.User) (database.Thread, *ApiError) {
	thread, err := s.db.GetThread(r.Context(), r.PathValue("threadId"))
	if err != nil {
		return database.Thread{}, storeError(err)
	}

	if !thread.HasParticipant(user.Id) {
		return database.Thread{}, NewForbiddenError()
	}

	return thread, nil
}

func (s *SwapChatApp) createThread(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SwapRequestId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	swap, err := s.db.GetSwapRequest(r.Context(), req.SwapRequestId)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	if swap.RequesterId != user.Id && swap.RecipientId != user.Id {
		s.writeError(w, NewForbiddenError())
		return
	}

	if swap.Status != database.SwapRequestAccepted {
		s.writeError(w, NewValidationError("swap request has not been accepted"))
		return
	}

	thread, err := s.db.CreateThread(r.Context(), database.CreateThreadParams{
		SwapRequestId: swap.Id,
		Participants:  [2]string{swap.RequesterId, swap.RecipientId},
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			s.writeError(w, NewConflictError("a thread already exists for this swap request"))
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toThread(thread))
}

func (s *SwapChatApp) listThreads(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	threads, err := s.db.ListThreads(r.Context(), user.Id)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := make([]types.Thread, 0, len(threads))
	for _, t := range threads {
		resp = append(resp, toThread(t))
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *SwapChatApp) getThread(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	thread, errResp := s.loadThread(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toThread(thread))
}

func (s *SwapChatApp) archiveThread(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	thread, errResp := s.loadThread(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if err := s.db.ArchiveThread(r.Context(), thread.Id); err != nil {
		s.writeError(w, storeError(err))
		return
	}

	thread.IsActive = false
	s.writeJson(w, http.StatusOK, toThread(thread))
}

func (s *SwapChatApp) deleteThread(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	thread, errResp := s.loadThread(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if err := s.db.DeleteThread(r.Context(), thread.Id); err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func validateMessage(req *SendMessageRequest) error {
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return errors.New("message content cannot be empty")
	}
	if utf8.RuneCountInString(req.Content) > types.MaxMessageLength {
		return errors.New("message content exceeds 1000 characters")
	}

	if req.Type == "" {
		req.Type = types.MessageTypeText
	}
	if !req.Type.Valid() {
		return errors.New("unsupported message type")
	}

	return nil
}

// sendMessage persists a message and only then broadcasts it to the thread room.
func (s *SwapChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	thread, errResp := s.loadThread(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if !thread.IsActive {
		s.writeError(w, NewConflictError("thread is archived"))
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := validateMessage(&req); err != nil {
		s.writeError(w, NewValidationError(err.Error()))
		return
	}

	dbMsg, err := s.db.CreateMessage(r.Context(), database.CreateMessageParams{
		ThreadId:    thread.Id,
		SenderId:    user.Id,
		Content:     req.Content,
		Type:        string(req.Type),
		ClientToken: req.ClientToken,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.stats.Incr(stats.NumMessagesSent)

	msg := toMessage(dbMsg)
	if _, err := s.gw.EmitToThread(thread.Id, types.EventMessageReceived, msg, nil); err != nil {
		s.log.Printf("broadcast message %s: %v", msg.Id, err)
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *SwapChatApp) listMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	thread, errResp := s.loadThread(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	page, limit, err := parsePage(r, database.DefaultMessagePageSize)
	if err != nil {
		s.writeError(w, NewValidationError(err.Error()))
		return
	}

	dbMsgs, total, err := s.db.ListMessages(r.Context(), thread.Id, page, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	messages := make([]types.Message, 0, len(dbMsgs))
	for _, m := range dbMsgs {
		messages = append(messages, toMessage(m))
	}
	// storage returns newest first
	slices.Reverse(messages)

	s.writeJson(w, http.StatusOK, types.MessagePage{
		Messages: messages,
		Pagination: types.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
		},
	})
}

func (s *SwapChatApp) markMessageRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	thread, errResp := s.loadThread(r, user)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	msg, err := s.db.GetMessage(r.Context(), thread.Id, r.PathValue("messageId"))
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	if msg.SenderId == user.Id {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.MarkMessageRead(r.Context(), msg.Id, s.now()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

// ThreadAuthorizer admits a user to a thread room only if they participate in the thread.
type ThreadAuthorizer struct {
	threads database.ThreadStore
}

func NewThreadAuthorizer(threads database.ThreadStore) *ThreadAuthorizer {
	return &ThreadAuthorizer{threads: threads}
}

func (a *ThreadAuthorizer) CanJoinThread(ctx context.Context, userId, threadId string) (bool, error) {
	thread, err := a.threads.GetThread(ctx, threadId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return thread.HasParticipant(userId), nil
}
