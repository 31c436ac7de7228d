package types

import (
	"encoding/json"
	"slices"
	"time"
)

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallRejected  CallStatus = "rejected"
	CallEnded     CallStatus = "ended"
	CallMissed    CallStatus = "missed"
)

// callTransitions lists every status reachable in one step from a given status.
// Statuses without an entry are terminal.
var callTransitions = map[CallStatus][]CallStatus{
	CallInitiated: {CallRinging, CallAnswered, CallRejected, CallEnded, CallMissed},
	CallRinging:   {CallAnswered, CallRejected, CallEnded, CallMissed},
	CallAnswered:  {CallEnded},
}

// ActiveCallStatuses are the statuses counted against the one-call-per-thread limit.
var ActiveCallStatuses = []CallStatus{CallInitiated, CallRinging, CallAnswered}

// HistoryCallStatuses are the statuses listed in a user's call history.
var HistoryCallStatuses = []CallStatus{CallAnswered, CallRejected, CallEnded, CallMissed}

func (s CallStatus) Valid() bool {
	switch s {
	case CallInitiated, CallRinging, CallAnswered, CallRejected, CallEnded, CallMissed:
		return true
	}
	return false
}

func (s CallStatus) Terminal() bool {
	return s.Valid() && len(callTransitions[s]) == 0
}

// CanTransition reports whether a call record may move from one status to another.
func CanTransition(from, to CallStatus) bool {
	return slices.Contains(callTransitions[from], to)
}

// SourcesOf returns every status from which to is reachable in one step.
func SourcesOf(to CallStatus) []CallStatus {
	var from []CallStatus
	for _, s := range []CallStatus{CallInitiated, CallRinging, CallAnswered} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

type IceCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignalingSnapshot is the last known signaling state of a call, kept for audit only.
type SignalingSnapshot struct {
	Offer         json.RawMessage `json:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	IceCandidates []IceCandidate  `json:"iceCandidates"`
}

type Call struct {
	Id              string            `json:"id"`
	ThreadId        string            `json:"threadId"`
	Caller          Sender            `json:"caller"`
	Recipient       Sender            `json:"recipient"`
	IsVideoCall     bool              `json:"isVideoCall"`
	Status          CallStatus        `json:"status"`
	StartedAt       time.Time         `json:"startedAt"`
	EndedAt         *time.Time        `json:"endedAt,omitempty"`
	DurationSeconds int               `json:"durationSeconds"`
	Signaling       SignalingSnapshot `json:"signalingData"`
}

type CallPage struct {
	Calls      []Call     `json:"calls"`
	Pagination Pagination `json:"pagination"`
}

// Duration returns the whole seconds elapsed between start and end.
func Duration(startedAt, endedAt time.Time) int {
	if startedAt.IsZero() || endedAt.Before(startedAt) {
		return 0
	}
	return int(endedAt.Sub(startedAt) / time.Second)
}
