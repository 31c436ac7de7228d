package database

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/swapchat/internal/types"
)

type User struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SwapRequestAccepted is the status of a swap request both parties agreed to.
const SwapRequestAccepted = 1

type SwapRequest struct {
	Id          string
	RequesterId string
	RecipientId string
	Status      int
}

type Participant struct {
	Id       string
	Username string
}

type Thread struct {
	Id            string
	SwapRequestId string
	Participants  []Participant
	LastMessageAt time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userId is one of the thread's participants.
func (t Thread) HasParticipant(userId string) bool {
	for _, p := range t.Participants {
		if p.Id == userId {
			return true
		}
	}
	return false
}

type Message struct {
	Id             string
	ThreadId       string
	SenderId       string
	SenderUsername string
	Content        string
	Type           string
	IsRead         bool
	ReadAt         *time.Time
	ClientToken    string
	CreatedAt      time.Time
}

type IceCandidate struct {
	Candidate json.RawMessage `json:"candidate" bson:"candidate"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"`
}

type Signaling struct {
	Offer         json.RawMessage `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty" bson:"answer,omitempty"`
	IceCandidates []IceCandidate  `json:"iceCandidates" bson:"ice_candidates"`
}

type Call struct {
	Id                string
	ThreadId          string
	CallerId          string
	CallerUsername    string
	RecipientId       string
	RecipientUsername string
	IsVideoCall       bool
	Status            types.CallStatus
	StartedAt         time.Time
	EndedAt           *time.Time
	DurationSeconds   int
	Signaling         Signaling
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateThreadParams struct {
	SwapRequestId string
	Participants  [2]string
}

type CreateMessageParams struct {
	ThreadId    string
	SenderId    string
	Content     string
	Type        string
	ClientToken string
}

type CreateCallParams struct {
	ThreadId    string
	CallerId    string
	RecipientId string
	IsVideoCall bool
}

// TransitionCallParams moves a call to To only if its current status is one of From.
type TransitionCallParams struct {
	CallId          string
	From            []types.CallStatus
	To              types.CallStatus
	EndedAt         *time.Time
	DurationSeconds *int
}

type SignalingKind string

const (
	SignalingOffer        SignalingKind = "offer"
	SignalingAnswer       SignalingKind = "answer"
	SignalingIceCandidate SignalingKind = "ice-candidate"
)

func (k SignalingKind) Valid() bool {
	switch k {
	case SignalingOffer, SignalingAnswer, SignalingIceCandidate:
		return true
	}
	return false
}

const (
	DefaultMessagePageSize = 50
	DefaultCallPageSize    = 20
	MaxPageSize            = 100
)

// PageBounds normalizes 1-based page and limit values into an offset and limit.
func PageBounds(page, limit, defaultLimit int) (offset, size int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return (page - 1) * limit, limit
}
