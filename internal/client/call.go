package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/swapchat/internal/types"
)

const (
	DefaultNoAnswerTimeout = 30 * time.Second
	// DefaultSettleDelay is how long rejected and ended stay visible before idle.
	DefaultSettleDelay     = 2 * time.Second

	requestTimeout = 10 * time.Second
)

type CallState string

const (
	CallIdle       CallState = "idle"
	CallCalling    CallState = "calling"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallRejected   CallState = "rejected"
	CallEnded      CallState = "ended"
)

type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNotRinging     = errors.New("no incoming call to answer")
)

// MediaStream is a local camera and microphone capture.
type MediaStream interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// PeerObserver receives peer connection callbacks. Implementations of
// PeerConnection must deliver them from their own goroutines, never from
// inside one of their methods.
type PeerObserver interface {
	LocalCandidate(candidate json.RawMessage)
	ConnectionStateChanged(state PeerState)
}

// PeerConnection is one WebRTC peer connection. SDP and ICE payloads are
// opaque JSON.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// AcceptOffer applies the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error
	Close() error
}

type PeerFactory interface {
	NewPeerConnection(stream MediaStream, observer PeerObserver) (PeerConnection, error)
}

// CallRecords is the REST side of a call.
type CallRecords interface {
	StartCall(ctx context.Context, threadId, recipientId string, video bool) (types.Call, error)
	RingCall(ctx context.Context, callId string) (types.Call, error)
	AnswerCall(ctx context.Context, callId string, accept bool) (types.Call, error)
	EndCall(ctx context.Context, callId string) (types.Call, error)
	MissCall(ctx context.Context, callId string) (types.Call, error)
}

// signalingRecorder is implemented by records that keep a signaling audit trail.
type signalingRecorder interface {
	RecordSignaling(ctx context.Context, callId, kind string, data json.RawMessage) (types.Call, error)
}

type activeCall struct {
	id         string
	peerId     string
	video      bool
	caller     bool
	remoteSet  bool
	accepting  bool
	candidates []json.RawMessage
}

type SessionOption func(*CallSession)

func WithNoAnswerTimeout(d time.Duration) SessionOption {
	return func(s *CallSession) { s.noAnswer = d }
}

func WithSettleDelay(d time.Duration) SessionOption {
	return func(s *CallSession) { s.settle = d }
}

// WithStateListener registers fn for every state change. fn runs with the
// session locked and must not call back into it.
func WithStateListener(fn func(CallState)) SessionOption {
	return func(s *CallSession) { s.onState = fn }
}

// WithIncomingListener registers fn for incoming calls. The same locking
// rule as WithStateListener applies.
func WithIncomingListener(fn func(types.CallIncomingNotice)) SessionOption {
	return func(s *CallSession) { s.onIncoming = fn }
}

// CallSession drives one user's side of WebRTC calls. It owns the media
// capture and peer connection of the current call and releases both on
// every exit path.
type CallSession struct {
	mu         sync.Mutex
	log        *log.Logger
	self       types.User
	signal     Emitter
	records    CallRecords
	media      MediaSource
	peers      PeerFactory
	noAnswer   time.Duration
	settle     time.Duration
	onState    func(CallState)
	onIncoming func(types.CallIncomingNotice)

	state       CallState
	call        *activeCall
	stream      MediaStream
	pc          PeerConnection
	ringTimer   *time.Timer
	settleTimer *time.Timer
	gen         uint64
	dialing     bool
	muted       bool
	cameraOff   bool

	updates sync.WaitGroup
}

func NewCallSession(self types.User, signal Emitter, records CallRecords, media MediaSource,
	peers PeerFactory, logger *log.Logger, opts ...SessionOption) *CallSession {
	s := &CallSession{
		log:      logger,
		self:     self,
		signal:   signal,
		records:  records,
		media:    media,
		peers:    peers,
		noAnswer: DefaultNoAnswerTimeout,
		settle:   DefaultSettleDelay,
		state:    CallIdle,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallId returns the id of the current call, or "" when idle.
func (s *CallSession) CallId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return ""
	}
	return s.call.id
}

// Call captures local media, creates the call record and notifies the
// recipient. Without an answer within the no-answer timeout the record is
// marked missed.
func (s *CallSession) Call(ctx context.Context, threadId, recipientId string, video bool) (types.Call, error) {
	s.mu.Lock()
	if s.call != nil || s.dialing {
		s.mu.Unlock()
		return types.Call{}, ErrCallInProgress
	}
	s.dialing = true
	s.mu.Unlock()

	call, stream, err := s.place(ctx, threadId, recipientId, video)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dialing = false
	if err != nil {
		return types.Call{}, err
	}

	s.begin(&activeCall{id: call.Id, peerId: recipientId, video: video, caller: true})
	s.stream = stream
	s.setState(CallCalling)

	s.emit(types.EventCallInitiate, types.CallInitiatePayload{
		RecipientId: recipientId,
		CallId:      call.Id,
		IsVideoCall: video,
	})

	gen := s.gen
	s.ringTimer = time.AfterFunc(s.noAnswer, func() { s.expireCalling(gen) })
	return call, nil
}

// place runs the slow half of Call without the session lock.
func (s *CallSession) place(ctx context.Context, threadId, recipientId string, video bool) (types.Call, MediaStream, error) {
	stream, err := s.media.Acquire(ctx, video)
	if err != nil {
		return types.Call{}, nil, fmt.Errorf("acquire media: %w", err)
	}

	call, err := s.records.StartCall(ctx, threadId, recipientId, video)
	if err != nil {
		stream.Stop()
		return types.Call{}, nil, err
	}
	return call, stream, nil
}

// Accept answers the ringing call. A media failure rejects the call so the
// caller is not left waiting.
func (s *CallSession) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.call == nil || s.state != CallRinging || s.call.accepting {
		s.mu.Unlock()
		return ErrNotRinging
	}
	call, gen := s.call, s.gen
	call.accepting = true
	s.mu.Unlock()

	stream, mediaErr := s.media.Acquire(ctx, call.video)
	var answerErr error
	if mediaErr == nil {
		_, answerErr = s.records.AnswerCall(ctx, call.id, true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// ended by the caller while media or the record was pending
		if mediaErr == nil {
			stream.Stop()
		}
		return ErrNoActiveCall
	}

	switch {
	case mediaErr != nil:
		s.log.Printf("media unavailable for call %s: %v", call.id, mediaErr)
		s.decline(ctx)
		return fmt.Errorf("acquire media: %w", mediaErr)
	case answerErr != nil:
		stream.Stop()
		s.emit(types.EventCallRejected, types.CallReplyPayload{CallId: call.id, CallerId: call.peerId})
		s.finish(CallRejected)
		return fmt.Errorf("answer call: %w", answerErr)
	}
	s.stream = stream

	pc, err := s.peers.NewPeerConnection(stream, s)
	if err != nil {
		err = fmt.Errorf("create peer connection: %w", err)
		s.fail(ctx, err)
		return err
	}
	s.pc = pc

	s.emit(types.EventCallAccepted, types.CallReplyPayload{CallId: call.id, CallerId: call.peerId})
	s.setState(CallConnecting)
	return nil
}

func (s *CallSession) Decline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.state != CallRinging {
		return ErrNotRinging
	}

	s.decline(ctx)
	return nil
}

// Hangup ends the current call from this side.
func (s *CallSession) Hangup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil {
		return ErrNoActiveCall
	}

	if s.state == CallRinging {
		s.decline(ctx)
		return nil
	}

	s.hangup(ctx)
	return nil
}

func (s *CallSession) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muted = muted
	if s.stream != nil {
		s.stream.SetAudioEnabled(!muted)
	}
}

func (s *CallSession) SetCameraOff(off bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cameraOff = off
	if s.stream != nil {
		s.stream.SetVideoEnabled(!off)
	}
}

// Wait blocks until record updates started by earlier transitions finish.
func (s *CallSession) Wait() {
	s.updates.Wait()
}

// HandleEvent consumes the call:* events relayed by the gateway.
func (s *CallSession) HandleEvent(env *types.Envelope) bool {
	switch env.Event {
	case types.EventCallIncoming:
		var n types.CallIncomingNotice
		if s.decode(env, &n) {
			s.incoming(n)
		}
	case types.EventCallAccepted:
		var n types.CallReplyNotice
		if s.decode(env, &n) {
			s.accepted(n)
		}
	case types.EventCallRejected:
		var n types.CallReplyNotice
		if s.decode(env, &n) {
			s.rejected(n)
		}
	case types.EventCallOffer:
		var n types.CallOfferNotice
		if s.decode(env, &n) {
			s.offer(n)
		}
	case types.EventCallAnswer:
		var n types.CallAnswerNotice
		if s.decode(env, &n) {
			s.answer(n)
		}
	case types.EventCallIceCandidate:
		var n types.IceCandidateNotice
		if s.decode(env, &n) {
			s.remoteCandidate(n)
		}
	case types.EventCallEnded:
		var n types.CallEndedNotice
		if s.decode(env, &n) {
			s.remoteEnded(n)
		}
	default:
		return false
	}
	return true
}

func (s *CallSession) decode(env *types.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.log.Printf("decode %s: %v", env.Event, err)
		return false
	}
	return true
}

func (s *CallSession) incoming(n types.CallIncomingNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()

	if s.call != nil && s.call.id == n.CallId {
		return
	}
	if s.call != nil || s.dialing {
		s.log.Printf("busy, rejecting call %s from %s", n.CallId, n.CallerUsername)
		s.emit(types.EventCallRejected, types.CallReplyPayload{CallId: n.CallId, CallerId: n.CallerId})
		s.update(ctx, "reject call "+n.CallId, func(ctx context.Context) (types.Call, error) {
			return s.records.AnswerCall(ctx, n.CallId, false)
		})
		return
	}

	s.begin(&activeCall{id: n.CallId, peerId: n.CallerId, video: n.IsVideoCall})
	s.setState(CallRinging)

	s.update(ctx, "ring call "+n.CallId, func(ctx context.Context) (types.Call, error) {
		return s.records.RingCall(ctx, n.CallId)
	})

	if s.onIncoming != nil {
		s.onIncoming(n)
	}
}

func (s *CallSession) accepted(n types.CallReplyNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(n.CallId, true, CallCalling) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	s.stopRingTimer()
	s.setState(CallConnecting)

	pc, err := s.peers.NewPeerConnection(s.stream, s)
	if err != nil {
		s.fail(ctx, fmt.Errorf("create peer connection: %w", err))
		return
	}
	s.pc = pc

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		s.fail(ctx, fmt.Errorf("create offer: %w", err))
		return
	}

	s.emit(types.EventCallOffer, types.CallOfferPayload{
		Offer:       offer,
		RecipientId: s.call.peerId,
		CallId:      s.call.id,
	})
	s.record(ctx, "offer", offer)
}

func (s *CallSession) rejected(n types.CallReplyNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(n.CallId, true, CallCalling) {
		return
	}

	s.finish(CallRejected)
}

func (s *CallSession) offer(n types.CallOfferNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(n.CallId, false, CallConnecting) || s.pc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	answer, err := s.pc.AcceptOffer(ctx, n.Offer)
	if err != nil {
		s.fail(ctx, fmt.Errorf("accept offer: %w", err))
		return
	}
	s.remoteReady()

	s.emit(types.EventCallAnswer, types.CallAnswerPayload{
		Answer:   answer,
		CallerId: s.call.peerId,
		CallId:   s.call.id,
	})
	s.record(ctx, "answer", answer)
}

func (s *CallSession) answer(n types.CallAnswerNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(n.CallId, true, CallConnecting) || s.pc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.pc.AcceptAnswer(ctx, n.Answer); err != nil {
		s.fail(ctx, fmt.Errorf("accept answer: %w", err))
		return
	}
	s.remoteReady()
}

func (s *CallSession) remoteCandidate(n types.IceCandidateNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.id != n.CallId {
		s.log.Printf("ignoring ice candidate for stale call %s", n.CallId)
		return
	}

	if s.pc == nil || !s.call.remoteSet {
		s.call.candidates = append(s.call.candidates, n.Candidate)
		return
	}

	if err := s.pc.AddRemoteCandidate(n.Candidate); err != nil {
		s.log.Printf("add ice candidate for call %s: %v", n.CallId, err)
	}
}

func (s *CallSession) remoteEnded(n types.CallEndedNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.id != n.CallId {
		s.log.Printf("ignoring end of stale call %s", n.CallId)
		return
	}

	s.finish(CallEnded)
}

// LocalCandidate forwards a locally gathered ICE candidate to the peer.
func (s *CallSession) LocalCandidate(candidate json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil {
		return
	}

	s.emit(types.EventCallIceCandidate, types.IceCandidatePayload{
		Candidate:    candidate,
		TargetUserId: s.call.peerId,
		CallId:       s.call.id,
	})
}

// ConnectionStateChanged ends the call when the peer transport fails.
func (s *CallSession) ConnectionStateChanged(state PeerState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.pc == nil {
		return
	}

	switch state {
	case PeerConnected:
		if s.state == CallConnecting {
			s.setState(CallConnected)
		}
	case PeerFailed, PeerDisconnected:
		s.fail(context.Background(), fmt.Errorf("peer connection %s", state))
	}
}

// current reports whether an event for callId applies to the active call in
// the given role and state. Anything else is stale and ignored.
func (s *CallSession) current(callId string, caller bool, state CallState) bool {
	if s.call == nil || s.call.id != callId || s.call.caller != caller || s.state != state {
		s.log.Printf("ignoring stale signaling for call %s in state %s", callId, s.state)
		return false
	}
	return true
}

func (s *CallSession) begin(call *activeCall) {
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.setState(CallIdle)
	s.gen++
	s.call = call
}

func (s *CallSession) remoteReady() {
	s.call.remoteSet = true
	for _, c := range s.call.candidates {
		if err := s.pc.AddRemoteCandidate(c); err != nil {
			s.log.Printf("add ice candidate for call %s: %v", s.call.id, err)
		}
	}
	s.call.candidates = nil
}

func (s *CallSession) expireCalling(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != CallCalling {
		return
	}

	call := s.call
	s.log.Printf("call %s not answered after %s", call.id, s.noAnswer)
	s.emit(types.EventCallEnd, types.CallEndPayload{CallId: call.id, OtherUserId: call.peerId})
	s.update(context.Background(), "mark missed call "+call.id, func(ctx context.Context) (types.Call, error) {
		return s.records.MissCall(ctx, call.id)
	})
	s.finish(CallEnded)
}

func (s *CallSession) decline(ctx context.Context) {
	call := s.call
	s.emit(types.EventCallRejected, types.CallReplyPayload{CallId: call.id, CallerId: call.peerId})
	s.update(ctx, "reject call "+call.id, func(ctx context.Context) (types.Call, error) {
		return s.records.AnswerCall(ctx, call.id, false)
	})
	s.finish(CallRejected)
}

func (s *CallSession) hangup(ctx context.Context) {
	call := s.call
	s.emit(types.EventCallEnd, types.CallEndPayload{CallId: call.id, OtherUserId: call.peerId})
	s.update(ctx, "end call "+call.id, func(ctx context.Context) (types.Call, error) {
		return s.records.EndCall(ctx, call.id)
	})
	s.finish(CallEnded)
}

func (s *CallSession) fail(ctx context.Context, err error) {
	s.log.Printf("call %s failed: %v", s.call.id, err)
	s.hangup(ctx)
}

func (s *CallSession) record(ctx context.Context, kind string, data json.RawMessage) {
	rec, ok := s.records.(signalingRecorder)
	if !ok {
		return
	}
	callId := s.call.id
	s.update(ctx, "record "+kind+" for call "+callId, func(ctx context.Context) (types.Call, error) {
		return rec.RecordSignaling(ctx, callId, kind, data)
	})
}

// update runs a best-effort record request without holding the session
// lock, so signaling and chat events are not queued behind REST round-trips.
// A failure is logged.
func (s *CallSession) update(ctx context.Context, what string, fn func(context.Context) (types.Call, error)) {
	s.updates.Add(1)
	go func() {
		defer s.updates.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()

		if _, err := fn(ctx); err != nil {
			s.log.Printf("%s: %v", what, err)
		}
	}()
}

// teardown releases everything the current call owns. It is safe to call
// any number of times.
func (s *CallSession) teardown() {
	s.stopRingTimer()

	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Printf("close peer connection: %v", err)
		}
		s.pc = nil
	}

	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}

	s.call = nil
	s.muted = false
	s.cameraOff = false
}

// finish tears the call down and shows the transient state before idle.
func (s *CallSession) finish(transient CallState) {
	s.teardown()
	s.gen++
	s.setState(transient)

	if s.settle <= 0 {
		s.setState(CallIdle)
		return
	}

	gen := s.gen
	s.settleTimer = time.AfterFunc(s.settle, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen && s.call == nil {
			s.setState(CallIdle)
		}
	})
}

func (s *CallSession) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *CallSession) setState(state CallState) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *CallSession) emit(event string, payload any) {
	if err := s.signal.Emit(event, payload); err != nil {
		s.log.Printf("emit %s: %v", event, err)
	}
}
