package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/swapchat/internal/testutil"
	"github.com/npezzotti/swapchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) StartCall(ctx context.Context, threadId, recipientId string, video bool) (types.Call, error) {
	args := m.Called(threadId, recipientId, video)
	return args.Get(0).(types.Call), args.Error(1)
}

func (m *mockRecords) RingCall(ctx context.Context, callId string) (types.Call, error) {
	args := m.Called(callId)
	return args.Get(0).(types.Call), args.Error(1)
}

func (m *mockRecords) AnswerCall(ctx context.Context, callId string, accept bool) (types.Call, error) {
	args := m.Called(callId, accept)
	return args.Get(0).(types.Call), args.Error(1)
}

func (m *mockRecords) EndCall(ctx context.Context, callId string) (types.Call, error) {
	args := m.Called(callId)
	return args.Get(0).(types.Call), args.Error(1)
}

func (m *mockRecords) MissCall(ctx context.Context, callId string) (types.Call, error) {
	args := m.Called(callId)
	return args.Get(0).(types.Call), args.Error(1)
}

func (m *mockRecords) RecordSignaling(ctx context.Context, callId, kind string, data json.RawMessage) (types.Call, error) {
	args := m.Called(callId, kind)
	return args.Get(0).(types.Call), args.Error(1)
}

type fakeStream struct {
	mu      sync.Mutex
	video   bool
	audio   bool
	stopped int
}

func (s *fakeStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = enabled
}

func (s *fakeStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = enabled
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *fakeStream) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, video bool) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{audio: true, video: video}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) stream(t *testing.T) *fakeStream {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.streams, 1)
	return m.streams[0]
}

type fakePeer struct {
	mu         sync.Mutex
	answer     json.RawMessage
	candidates []json.RawMessage
	closed     int
}

func (p *fakePeer) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (p *fakePeer) AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (p *fakePeer) AcceptAnswer(ctx context.Context, answer json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answer = answer
	return nil
}

func (p *fakePeer) AddRemoteCandidate(c json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakePeers struct {
	mu    sync.Mutex
	err   error
	peers []*fakePeer
}

func (f *fakePeers) NewPeerConnection(stream MediaStream, observer PeerObserver) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) peer(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.peers, 1)
	return f.peers[0]
}

type stateLog struct {
	mu     sync.Mutex
	states []CallState
}

func (l *stateLog) record(s CallState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []CallState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CallState(nil), l.states...)
}

type sessionFixture struct {
	session *CallSession
	records *mockRecords
	emit    *recordingEmitter
	media   *fakeMedia
	peers   *fakePeers
	states  *stateLog
}

func newSessionFixture(t *testing.T, self types.User, opts ...SessionOption) *sessionFixture {
	f := &sessionFixture{
		records: &mockRecords{},
		emit:    &recordingEmitter{},
		media:   &fakeMedia{},
		peers:   &fakePeers{},
		states:  &stateLog{},
	}
	opts = append([]SessionOption{WithSettleDelay(0), WithStateListener(f.states.record)}, opts...)
	f.session = NewCallSession(self, f.emit, f.records, f.media, f.peers, testutil.TestLogger(t), opts...)
	return f
}

func (f *sessionFixture) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := types.NewEnvelope(event, payload)
	require.NoError(t, err)
	assert.True(t, f.session.HandleEvent(env), "expected %s to be handled", event)
}

func callRecord(status types.CallStatus) types.Call {
	return types.Call{
		Id:          "c-1",
		ThreadId:    "t-1",
		Caller:      types.Sender{Id: alice.Id, Username: alice.Username},
		Recipient:   types.Sender{Id: bob.Id, Username: bob.Username},
		Status:      status,
		IsVideoCall: true,
	}
}

// dialing puts an alice session into calling for c-1.
func dialing(t *testing.T, opts ...SessionOption) *sessionFixture {
	f := newSessionFixture(t, alice, opts...)
	f.records.On("StartCall", "t-1", bob.Id, true).Return(callRecord(types.CallInitiated), nil).Once()

	call, err := f.session.Call(context.Background(), "t-1", bob.Id, true)
	require.NoError(t, err)
	require.Equal(t, "c-1", call.Id)
	return f
}

// answering puts a bob session into connecting for c-1.
func answering(t *testing.T) *sessionFixture {
	f := newSessionFixture(t, bob)
	f.records.On("RingCall", "c-1").Return(callRecord(types.CallRinging), nil).Once()
	f.records.On("AnswerCall", "c-1", true).Return(callRecord(types.CallAnswered), nil).Once()

	f.deliver(t, types.EventCallIncoming, types.CallIncomingNotice{
		CallId: "c-1", CallerId: alice.Id, CallerUsername: alice.Username, IsVideoCall: true,
	})
	require.NoError(t, f.session.Accept(context.Background()))
	return f
}

func Test_CallSession_CallerHappyPath(t *testing.T) {
	f := dialing(t)
	f.records.On("RecordSignaling", "c-1", "offer").Return(callRecord(types.CallAnswered), nil).Once()
	f.records.On("EndCall", "c-1").Return(callRecord(types.CallEnded), nil).Once()

	payload, ok := f.emit.last(types.EventCallInitiate)
	require.True(t, ok)
	assert.Equal(t, types.CallInitiatePayload{RecipientId: bob.Id, CallId: "c-1", IsVideoCall: true}, payload)
	assert.Equal(t, CallCalling, f.session.State())

	f.deliver(t, types.EventCallAccepted, types.CallReplyNotice{CallId: "c-1", RecipientId: bob.Id})
	assert.Equal(t, CallConnecting, f.session.State())

	offer, ok := f.emit.last(types.EventCallOffer)
	require.True(t, ok)
	assert.Equal(t, bob.Id, offer.(types.CallOfferPayload).RecipientId)
	assert.Equal(t, "c-1", offer.(types.CallOfferPayload).CallId)

	candidate := json.RawMessage(`{"candidate":"a=1"}`)
	f.deliver(t, types.EventCallIceCandidate, types.IceCandidateNotice{Candidate: candidate, CallId: "c-1", FromUserId: bob.Id})
	peer := f.peers.peer(t)
	assert.Empty(t, peer.candidates, "expected candidate to wait for the remote description")

	f.deliver(t, types.EventCallAnswer, types.CallAnswerNotice{Answer: json.RawMessage(`{"sdp":"a"}`), CallId: "c-1", RecipientId: bob.Id})
	assert.JSONEq(t, `{"sdp":"a"}`, string(peer.answer))
	assert.Equal(t, []json.RawMessage{candidate}, peer.candidates)

	f.session.LocalCandidate(json.RawMessage(`{"candidate":"b=2"}`))
	local, ok := f.emit.last(types.EventCallIceCandidate)
	require.True(t, ok)
	assert.Equal(t, bob.Id, local.(types.IceCandidatePayload).TargetUserId)

	f.session.ConnectionStateChanged(PeerConnected)
	assert.Equal(t, CallConnected, f.session.State())

	require.NoError(t, f.session.Hangup(context.Background()))

	end, ok := f.emit.last(types.EventCallEnd)
	require.True(t, ok)
	assert.Equal(t, types.CallEndPayload{CallId: "c-1", OtherUserId: bob.Id}, end)
	assert.Equal(t, 1, peer.closed)
	assert.Equal(t, 1, f.media.stream(t).stops())
	assert.Equal(t, []CallState{CallCalling, CallConnecting, CallConnected, CallEnded, CallIdle}, f.states.all())
	assert.Empty(t, f.session.CallId())
	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_CalleeHappyPath(t *testing.T) {
	var incoming []types.CallIncomingNotice
	f := newSessionFixture(t, bob, WithIncomingListener(func(n types.CallIncomingNotice) {
		incoming = append(incoming, n)
	}))
	f.records.On("RingCall", "c-1").Return(callRecord(types.CallRinging), nil).Once()
	f.records.On("AnswerCall", "c-1", true).Return(callRecord(types.CallAnswered), nil).Once()
	f.records.On("RecordSignaling", "c-1", "answer").Return(callRecord(types.CallAnswered), nil).Once()

	notice := types.CallIncomingNotice{CallId: "c-1", CallerId: alice.Id, CallerUsername: alice.Username, IsVideoCall: true}
	f.deliver(t, types.EventCallIncoming, notice)
	assert.Equal(t, CallRinging, f.session.State())
	assert.Equal(t, []types.CallIncomingNotice{notice}, incoming)

	require.NoError(t, f.session.Accept(context.Background()))
	accepted, ok := f.emit.last(types.EventCallAccepted)
	require.True(t, ok)
	assert.Equal(t, types.CallReplyPayload{CallId: "c-1", CallerId: alice.Id}, accepted)

	f.deliver(t, types.EventCallOffer, types.CallOfferNotice{Offer: json.RawMessage(`{"sdp":"o"}`), CallId: "c-1", CallerId: alice.Id})
	answer, ok := f.emit.last(types.EventCallAnswer)
	require.True(t, ok)
	assert.Equal(t, alice.Id, answer.(types.CallAnswerPayload).CallerId)
	assert.JSONEq(t, `{"type":"answer","sdp":"a"}`, string(answer.(types.CallAnswerPayload).Answer))

	f.session.ConnectionStateChanged(PeerConnected)
	f.deliver(t, types.EventCallEnded, types.CallEndedNotice{CallId: "c-1"})

	assert.Equal(t, 1, f.peers.peer(t).closed)
	assert.Equal(t, 1, f.media.stream(t).stops())
	assert.Equal(t, []CallState{CallRinging, CallConnecting, CallConnected, CallEnded, CallIdle}, f.states.all())
	f.session.Wait()
	f.records.AssertNotCalled(t, "EndCall", mock.Anything)
	f.records.AssertExpectations(t)
}

func Test_CallSession_RejectedByRecipient(t *testing.T) {
	f := dialing(t)

	f.deliver(t, types.EventCallRejected, types.CallReplyNotice{CallId: "c-1", RecipientId: bob.Id})

	assert.Equal(t, []CallState{CallCalling, CallRejected, CallIdle}, f.states.all())
	assert.Equal(t, 1, f.media.stream(t).stops(), "expected preemptively acquired media to be released")
	assert.Empty(t, f.peers.peers)
	f.session.Wait()
	f.records.AssertNotCalled(t, "EndCall", mock.Anything)
}

func Test_CallSession_SettleDelay(t *testing.T) {
	f := dialing(t, WithSettleDelay(20*time.Millisecond))

	f.deliver(t, types.EventCallRejected, types.CallReplyNotice{CallId: "c-1", RecipientId: bob.Id})
	assert.Equal(t, CallRejected, f.session.State())

	assert.Eventually(t, func() bool {
		return f.session.State() == CallIdle
	}, time.Second, 5*time.Millisecond)
}

func Test_CallSession_NoAnswerTimeout(t *testing.T) {
	f := newSessionFixture(t, alice, WithNoAnswerTimeout(20*time.Millisecond))
	f.records.On("StartCall", "t-1", bob.Id, true).Return(callRecord(types.CallInitiated), nil).Once()
	f.records.On("MissCall", "c-1").Return(callRecord(types.CallMissed), nil).Once()

	_, err := f.session.Call(context.Background(), "t-1", bob.Id, true)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.session.State() == CallIdle
	}, time.Second, 5*time.Millisecond)

	end, ok := f.emit.last(types.EventCallEnd)
	require.True(t, ok)
	assert.Equal(t, types.CallEndPayload{CallId: "c-1", OtherUserId: bob.Id}, end)
	assert.Equal(t, []CallState{CallCalling, CallEnded, CallIdle}, f.states.all())
	assert.Equal(t, 1, f.media.stream(t).stops())
	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_AnsweredBeforeTimeout(t *testing.T) {
	f := dialing(t, WithNoAnswerTimeout(20*time.Millisecond))
	f.records.On("RecordSignaling", "c-1", "offer").Return(callRecord(types.CallAnswered), nil).Once()

	f.deliver(t, types.EventCallAccepted, types.CallReplyNotice{CallId: "c-1", RecipientId: bob.Id})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, CallConnecting, f.session.State())
	f.session.Wait()
	f.records.AssertNotCalled(t, "MissCall", mock.Anything)
}

func Test_CallSession_CalleeMediaFailure(t *testing.T) {
	f := newSessionFixture(t, bob)
	f.media.err = errors.New("camera busy")
	f.records.On("RingCall", "c-1").Return(callRecord(types.CallRinging), nil).Once()
	f.records.On("AnswerCall", "c-1", false).Return(callRecord(types.CallRejected), nil).Once()

	f.deliver(t, types.EventCallIncoming, types.CallIncomingNotice{CallId: "c-1", CallerId: alice.Id, CallerUsername: alice.Username})

	err := f.session.Accept(context.Background())
	assert.ErrorContains(t, err, "camera busy")

	rejected, ok := f.emit.last(types.EventCallRejected)
	require.True(t, ok)
	assert.Equal(t, types.CallReplyPayload{CallId: "c-1", CallerId: alice.Id}, rejected)
	assert.Equal(t, []CallState{CallRinging, CallRejected, CallIdle}, f.states.all())
	assert.Empty(t, f.peers.peers)
	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_Decline(t *testing.T) {
	f := newSessionFixture(t, bob)
	f.records.On("RingCall", "c-1").Return(callRecord(types.CallRinging), nil).Once()
	f.records.On("AnswerCall", "c-1", false).Return(callRecord(types.CallRejected), nil).Once()

	assert.ErrorIs(t, f.session.Decline(context.Background()), ErrNotRinging)

	f.deliver(t, types.EventCallIncoming, types.CallIncomingNotice{CallId: "c-1", CallerId: alice.Id})
	require.NoError(t, f.session.Decline(context.Background()))

	assert.Equal(t, CallIdle, f.session.State())
	assert.Empty(t, f.media.streams, "expected no media for a declined call")
	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_StaleSignaling(t *testing.T) {
	f := answering(t)

	f.deliver(t, types.EventCallOffer, types.CallOfferNotice{Offer: json.RawMessage(`{"sdp":"old"}`), CallId: "c-0", CallerId: alice.Id})
	f.deliver(t, types.EventCallIceCandidate, types.IceCandidateNotice{Candidate: json.RawMessage(`{}`), CallId: "c-0"})
	f.deliver(t, types.EventCallEnded, types.CallEndedNotice{CallId: "c-0"})
	// an answer is only meaningful to the caller
	f.deliver(t, types.EventCallAnswer, types.CallAnswerNotice{Answer: json.RawMessage(`{}`), CallId: "c-1"})

	_, ok := f.emit.last(types.EventCallAnswer)
	assert.False(t, ok, "expected stale offer to be ignored")
	assert.Equal(t, CallConnecting, f.session.State())
	assert.Equal(t, "c-1", f.session.CallId())

	peer := f.peers.peer(t)
	assert.Empty(t, peer.candidates)
	assert.Nil(t, peer.answer)
	assert.Zero(t, peer.closed)
}

func Test_CallSession_TransportFailure(t *testing.T) {
	tcases := []struct {
		name  string
		state PeerState
	}{
		{name: "failed", state: PeerFailed},
		{name: "disconnected", state: PeerDisconnected},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := answering(t)
			f.records.On("EndCall", "c-1").Return(callRecord(types.CallEnded), nil).Once()
			f.session.ConnectionStateChanged(PeerConnected)

			f.session.ConnectionStateChanged(tc.state)
			f.session.ConnectionStateChanged(tc.state)
			f.deliver(t, types.EventCallEnded, types.CallEndedNotice{CallId: "c-1"})
			assert.ErrorIs(t, f.session.Hangup(context.Background()), ErrNoActiveCall)

			end, ok := f.emit.last(types.EventCallEnd)
			require.True(t, ok)
			assert.Equal(t, types.CallEndPayload{CallId: "c-1", OtherUserId: alice.Id}, end)

			assert.Equal(t, 1, f.peers.peer(t).closed)
			assert.Equal(t, 1, f.media.stream(t).stops())
			assert.Equal(t, CallIdle, f.session.State())
			f.session.Wait()
			f.records.AssertNumberOfCalls(t, "EndCall", 1)
		})
	}
}

func Test_CallSession_OfferFailure(t *testing.T) {
	f := dialing(t)
	f.peers.err = errors.New("no ice servers")
	f.records.On("EndCall", "c-1").Return(callRecord(types.CallEnded), nil).Once()

	f.deliver(t, types.EventCallAccepted, types.CallReplyNotice{CallId: "c-1", RecipientId: bob.Id})

	assert.Equal(t, CallIdle, f.session.State())
	assert.Equal(t, 1, f.media.stream(t).stops())
	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_BusyRejectsIncoming(t *testing.T) {
	f := dialing(t)
	f.records.On("AnswerCall", "c-2", false).Return(types.Call{Id: "c-2", Status: types.CallRejected}, nil).Once()

	f.deliver(t, types.EventCallIncoming, types.CallIncomingNotice{CallId: "c-2", CallerId: "u-eve", CallerUsername: "eve"})

	rejected, ok := f.emit.last(types.EventCallRejected)
	require.True(t, ok)
	assert.Equal(t, types.CallReplyPayload{CallId: "c-2", CallerId: "u-eve"}, rejected)
	assert.Equal(t, CallCalling, f.session.State())
	assert.Equal(t, "c-1", f.session.CallId())
	f.session.Wait()
	f.records.AssertExpectations(t)
}

// blockOn makes the expectation wait for release and reports on started once
// the request is in flight.
func blockOn(call *mock.Call, started chan<- struct{}, release <-chan struct{}) {
	call.Run(func(mock.Arguments) {
		started <- struct{}{}
		<-release
	})
}

func Test_CallSession_RingDoesNotBlockEvents(t *testing.T) {
	f := newSessionFixture(t, bob)
	started, release := make(chan struct{}, 1), make(chan struct{})
	blockOn(f.records.On("RingCall", "c-1").Return(callRecord(types.CallRinging), nil).Once(), started, release)

	f.deliver(t, types.EventCallIncoming, types.CallIncomingNotice{CallId: "c-1", CallerId: alice.Id})
	<-started
	assert.Equal(t, CallRinging, f.session.State())

	f.deliver(t, types.EventCallEnded, types.CallEndedNotice{CallId: "c-1"})
	assert.Equal(t, CallIdle, f.session.State())

	close(release)
	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_StartCallDoesNotHoldLock(t *testing.T) {
	f := newSessionFixture(t, alice)
	started, release := make(chan struct{}, 1), make(chan struct{})
	blockOn(f.records.On("StartCall", "t-1", bob.Id, true).Return(callRecord(types.CallInitiated), nil).Once(), started, release)
	f.records.On("AnswerCall", "c-2", false).Return(types.Call{Id: "c-2", Status: types.CallRejected}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Call(context.Background(), "t-1", bob.Id, true)
		done <- err
	}()
	<-started

	assert.Equal(t, CallIdle, f.session.State())
	_, err := f.session.Call(context.Background(), "t-1", bob.Id, true)
	assert.ErrorIs(t, err, ErrCallInProgress)

	f.deliver(t, types.EventCallIncoming, types.CallIncomingNotice{CallId: "c-2", CallerId: "u-eve", CallerUsername: "eve"})
	rejected, ok := f.emit.last(types.EventCallRejected)
	require.True(t, ok)
	assert.Equal(t, types.CallReplyPayload{CallId: "c-2", CallerId: "u-eve"}, rejected)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CallCalling, f.session.State())
	assert.Equal(t, "c-1", f.session.CallId())

	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_EndedWhileAccepting(t *testing.T) {
	f := newSessionFixture(t, bob)
	f.records.On("RingCall", "c-1").Return(callRecord(types.CallRinging), nil).Once()
	started, release := make(chan struct{}, 1), make(chan struct{})
	blockOn(f.records.On("AnswerCall", "c-1", true).Return(callRecord(types.CallAnswered), nil).Once(), started, release)

	f.deliver(t, types.EventCallIncoming, types.CallIncomingNotice{CallId: "c-1", CallerId: alice.Id, IsVideoCall: true})

	done := make(chan error, 1)
	go func() { done <- f.session.Accept(context.Background()) }()
	<-started

	assert.ErrorIs(t, f.session.Accept(context.Background()), ErrNotRinging)
	f.deliver(t, types.EventCallEnded, types.CallEndedNotice{CallId: "c-1"})
	assert.Equal(t, CallIdle, f.session.State())

	close(release)
	assert.ErrorIs(t, <-done, ErrNoActiveCall)

	_, ok := f.emit.last(types.EventCallAccepted)
	assert.False(t, ok)
	assert.Equal(t, 1, f.media.stream(t).stops())
	assert.Empty(t, f.peers.peers)
	assert.Empty(t, f.session.CallId())

	f.session.Wait()
	f.records.AssertExpectations(t)
}

func Test_CallSession_Call(t *testing.T) {
	t.Run("already in a call", func(t *testing.T) {
		f := dialing(t)

		_, err := f.session.Call(context.Background(), "t-1", bob.Id, false)
		assert.ErrorIs(t, err, ErrCallInProgress)
		f.records.AssertNumberOfCalls(t, "StartCall", 1)
	})

	t.Run("media unavailable", func(t *testing.T) {
		f := newSessionFixture(t, alice)
		f.media.err = errors.New("permission denied")

		_, err := f.session.Call(context.Background(), "t-1", bob.Id, true)
		assert.ErrorContains(t, err, "permission denied")
		assert.Equal(t, CallIdle, f.session.State())
		f.records.AssertNotCalled(t, "StartCall", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("record refused", func(t *testing.T) {
		f := newSessionFixture(t, alice)
		f.records.On("StartCall", "t-1", bob.Id, true).
			Return(types.Call{}, &APIError{StatusCode: 409, Message: "call already in progress"}).Once()

		_, err := f.session.Call(context.Background(), "t-1", bob.Id, true)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 409, apiErr.StatusCode)
		assert.Equal(t, CallIdle, f.session.State())
		assert.Equal(t, 1, f.media.stream(t).stops())
		assert.Empty(t, f.emit.names())
	})
}

func Test_CallSession_Controls(t *testing.T) {
	f := dialing(t)
	stream := f.media.stream(t)

	f.session.SetMuted(true)
	f.session.SetCameraOff(true)
	assert.False(t, stream.audio)
	assert.False(t, stream.video)

	f.session.SetMuted(false)
	assert.True(t, stream.audio)
}

func Test_CallSession_HandleEvent_Unrelated(t *testing.T) {
	f := newSessionFixture(t, alice)
	assert.False(t, f.session.HandleEvent(&types.Envelope{Event: types.EventMessageReceived}))
	assert.True(t, f.session.HandleEvent(&types.Envelope{Event: types.EventCallEnded, Data: json.RawMessage(`not json`)}))
}
