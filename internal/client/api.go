package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/swapchat/internal/types"
)

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// API is a client for the REST surface. It implements CallRecords.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) Token() string {
	return a.token
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type loginResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

// Login exchanges credentials for a token and keeps it for later requests.
func (a *API) Login(ctx context.Context, email, password string) (types.User, error) {
	var resp loginResponse
	err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return types.User{}, err
	}

	a.token = resp.Token
	return resp.User, nil
}

func (a *API) Session(ctx context.Context) (types.User, error) {
	var u types.User
	err := a.do(ctx, http.MethodGet, "/api/auth/session", nil, &u)
	return u, err
}

func (a *API) ListThreads(ctx context.Context) ([]types.Thread, error) {
	var threads []types.Thread
	err := a.do(ctx, http.MethodGet, "/api/threads", nil, &threads)
	return threads, err
}

func (a *API) SendMessage(ctx context.Context, threadId, content, clientToken string) (types.Message, error) {
	var msg types.Message
	err := a.do(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(threadId)+"/messages", map[string]string{
		"content":     content,
		"type":        string(types.MessageTypeText),
		"clientToken": clientToken,
	}, &msg)
	return msg, err
}

func (a *API) ListMessages(ctx context.Context, threadId string, page, limit int) (types.MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var p types.MessagePage
	err := a.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadId)+"/messages?"+q.Encode(), nil, &p)
	return p, err
}

func (a *API) MarkRead(ctx context.Context, threadId, messageId string) error {
	path := fmt.Sprintf("/api/threads/%s/messages/%s/read", url.PathEscape(threadId), url.PathEscape(messageId))
	return a.do(ctx, http.MethodPatch, path, nil, nil)
}

func (a *API) StartCall(ctx context.Context, threadId, recipientId string, video bool) (types.Call, error) {
	var call types.Call
	err := a.do(ctx, http.MethodPost, "/api/calls", map[string]any{
		"threadId":    threadId,
		"recipientId": recipientId,
		"isVideoCall": video,
	}, &call)
	return call, err
}

func (a *API) callAction(ctx context.Context, callId, action string, body any) (types.Call, error) {
	var call types.Call
	err := a.do(ctx, http.MethodPost, "/api/calls/"+url.PathEscape(callId)+"/"+action, body, &call)
	return call, err
}

func (a *API) RingCall(ctx context.Context, callId string) (types.Call, error) {
	return a.callAction(ctx, callId, "ring", nil)
}

func (a *API) AnswerCall(ctx context.Context, callId string, accept bool) (types.Call, error) {
	return a.callAction(ctx, callId, "answer", map[string]bool{"accept": accept})
}

func (a *API) EndCall(ctx context.Context, callId string) (types.Call, error) {
	return a.callAction(ctx, callId, "end", nil)
}

func (a *API) MissCall(ctx context.Context, callId string) (types.Call, error) {
	return a.callAction(ctx, callId, "miss", nil)
}

// RecordSignaling stores an offer, answer or ICE candidate on the call for audit.
func (a *API) RecordSignaling(ctx context.Context, callId, kind string, data json.RawMessage) (types.Call, error) {
	return a.callAction(ctx, callId, "signaling", map[string]any{
		"type": kind,
		"data": data,
	})
}

func (a *API) ActiveCalls(ctx context.Context) ([]types.Call, error) {
	var calls []types.Call
	err := a.do(ctx, http.MethodGet, "/api/calls/active", nil, &calls)
	return calls, err
}

func (a *API) CallHistory(ctx context.Context, page, limit int) (types.CallPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var p types.CallPage
	err := a.do(ctx, http.MethodGet, "/api/calls/history?"+q.Encode(), nil, &p)
	return p, err
}
