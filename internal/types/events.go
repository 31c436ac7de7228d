package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server events.
const (
	EventJoinThreadRoom   = "join_thread_room"
	EventLeaveThreadRoom  = "leave_thread_room"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventCallInitiate     = "call:initiate"
	EventCallAccepted     = "call:accepted"
	EventCallRejected     = "call:rejected"
	EventCallOffer        = "call:offer"
	EventCallAnswer       = "call:answer"
	EventCallIceCandidate = "call:ice-candidate"
	EventCallEnd          = "call:end"
)

// Server to client events. The call:accepted, call:rejected, call:offer,
// call:answer and call:ice-candidate names are reused for the relayed form.
const (
	EventMessageReceived   = "message_received"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventCallIncoming      = "call:incoming"
	EventCallEnded         = "call:ended"
	EventError             = "error"
)

// ClientEvents is every event name a connected client may send.
var ClientEvents = []string{
	EventJoinThreadRoom,
	EventLeaveThreadRoom,
	EventTypingStart,
	EventTypingStop,
	EventCallInitiate,
	EventCallAccepted,
	EventCallRejected,
	EventCallOffer,
	EventCallAnswer,
	EventCallIceCandidate,
	EventCallEnd,
}

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Id    int             `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload as the data of a named event.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Payload is implemented by every inbound event body.
type Payload interface {
	Validate() error
}

var ErrInvalidPayload = errors.New("invalid payload")

func required(fields ...string) error {
	for i := 0; i < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidPayload, fields[i])
		}
	}
	return nil
}

type ThreadRoomPayload struct {
	ThreadId string `json:"threadId"`
}

func (p ThreadRoomPayload) Validate() error {
	return required("threadId", p.ThreadId)
}

type TypingPayload struct {
	ThreadId string `json:"threadId"`
}

func (p TypingPayload) Validate() error {
	return required("threadId", p.ThreadId)
}

type TypingNotice struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
	ThreadId string `json:"threadId"`
}

type CallInitiatePayload struct {
	RecipientId string `json:"recipientId"`
	CallId      string `json:"callId"`
	IsVideoCall bool   `json:"isVideoCall"`
}

func (p CallInitiatePayload) Validate() error {
	return required("recipientId", p.RecipientId, "callId", p.CallId)
}

type CallIncomingNotice struct {
	CallId         string `json:"callId"`
	CallerId       string `json:"callerId"`
	CallerUsername string `json:"callerUsername"`
	IsVideoCall    bool   `json:"isVideoCall"`
}

// CallReplyPayload is sent by the recipient for call:accepted and call:rejected.
type CallReplyPayload struct {
	CallId   string `json:"callId"`
	CallerId string `json:"callerId"`
}

func (p CallReplyPayload) Validate() error {
	return required("callId", p.CallId, "callerId", p.CallerId)
}

type CallReplyNotice struct {
	CallId      string `json:"callId"`
	RecipientId string `json:"recipientId"`
}

type CallOfferPayload struct {
	Offer       json.RawMessage `json:"offer"`
	RecipientId string          `json:"recipientId"`
	CallId      string          `json:"callId"`
}

func (p CallOfferPayload) Validate() error {
	if len(p.Offer) == 0 {
		return fmt.Errorf("%w: offer is required", ErrInvalidPayload)
	}
	return required("recipientId", p.RecipientId, "callId", p.CallId)
}

type CallOfferNotice struct {
	Offer    json.RawMessage `json:"offer"`
	CallId   string          `json:"callId"`
	CallerId string          `json:"callerId"`
}

type CallAnswerPayload struct {
	Answer   json.RawMessage `json:"answer"`
	CallerId string          `json:"callerId"`
	CallId   string          `json:"callId"`
}

func (p CallAnswerPayload) Validate() error {
	if len(p.Answer) == 0 {
		return fmt.Errorf("%w: answer is required", ErrInvalidPayload)
	}
	return required("callerId", p.CallerId, "callId", p.CallId)
}

type CallAnswerNotice struct {
	Answer      json.RawMessage `json:"answer"`
	CallId      string          `json:"callId"`
	RecipientId string          `json:"recipientId"`
}

type IceCandidatePayload struct {
	Candidate    json.RawMessage `json:"candidate"`
	TargetUserId string          `json:"targetUserId"`
	CallId       string          `json:"callId"`
}

func (p IceCandidatePayload) Validate() error {
	if len(p.Candidate) == 0 {
		return fmt.Errorf("%w: candidate is required", ErrInvalidPayload)
	}
	return required("targetUserId", p.TargetUserId, "callId", p.CallId)
}

type IceCandidateNotice struct {
	Candidate  json.RawMessage `json:"candidate"`
	CallId     string          `json:"callId"`
	FromUserId string          `json:"fromUserId"`
}

type CallEndPayload struct {
	CallId      string `json:"callId"`
	OtherUserId string `json:"otherUserId"`
}

func (p CallEndPayload) Validate() error {
	return required("callId", p.CallId, "otherUserId", p.OtherUserId)
}

type CallEndedNotice struct {
	CallId string `json:"callId"`
}

// ErrorNotice is sent on the error event when an inbound event is rejected.
type ErrorNotice struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
