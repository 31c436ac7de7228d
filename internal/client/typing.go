package client

import (
	"encoding/json"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/swapchat/internal/types"
)

const (
	// DefaultTypingTTL expires a typing indicator whose stop event was lost.
	DefaultTypingTTL  = 5 * time.Second
	// DefaultTypingIdle is the input inactivity after which typing_stop is sent.
	DefaultTypingIdle = 2 * time.Second
)

type typist struct {
	username string
	expires  time.Time
}

// TypingTracker keeps the set of users currently typing in each thread.
type TypingTracker struct {
	mu     sync.Mutex
	self   string
	ttl    time.Duration
	now    func() time.Time
	typing map[string]map[string]typist
}

func NewTypingTracker(selfId string, ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		self:   selfId,
		ttl:    ttl,
		now:    time.Now,
		typing: make(map[string]map[string]typist),
	}
}

// Start records n as typing, refreshing its expiry.
func (t *TypingTracker) Start(n types.TypingNotice) {
	if n.UserId == t.self {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.typing[n.ThreadId]
	if !ok {
		users = make(map[string]typist)
		t.typing[n.ThreadId] = users
	}
	users[n.UserId] = typist{username: n.Username, expires: t.now().Add(t.ttl)}
}

func (t *TypingTracker) Stop(n types.TypingNotice) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.typing[n.ThreadId]
	delete(users, n.UserId)
	if len(users) == 0 {
		delete(t.typing, n.ThreadId)
	}
}

// Typing returns the users typing in threadId ordered by username, dropping
// entries that outlived the TTL.
func (t *TypingTracker) Typing(threadId string) []types.TypingNotice {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	users := t.typing[threadId]
	out := make([]types.TypingNotice, 0, len(users))
	for id, u := range users {
		if !now.Before(u.expires) {
			delete(users, id)
			continue
		}
		out = append(out, types.TypingNotice{UserId: id, Username: u.username, ThreadId: threadId})
	}
	if len(users) == 0 {
		delete(t.typing, threadId)
	}

	slices.SortFunc(out, func(a, b types.TypingNotice) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out
}

// HandleEvent consumes user_typing and user_stopped_typing.
func (t *TypingTracker) HandleEvent(env *types.Envelope) bool {
	if env.Event != types.EventUserTyping && env.Event != types.EventUserStoppedTyping {
		return false
	}

	var n types.TypingNotice
	if err := json.Unmarshal(env.Data, &n); err != nil {
		return false
	}

	if env.Event == types.EventUserTyping {
		t.Start(n)
	} else {
		t.Stop(n)
	}
	return true
}

// TypingNotifier emits typing_start on input and typing_stop once input has
// been idle for the configured duration.
type TypingNotifier struct {
	mu     sync.Mutex
	emit   Emitter
	log    *log.Logger
	idle   time.Duration
	timers map[string]*idleTimer
}

// idleTimer is compared by identity so a callback that fires after being
// replaced can tell it is stale.
type idleTimer struct {
	*time.Timer
}

func NewTypingNotifier(emit Emitter, logger *log.Logger, idle time.Duration) *TypingNotifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingNotifier{
		emit:   emit,
		log:    logger,
		idle:   idle,
		timers: make(map[string]*idleTimer),
	}
}

// Input reports the current contents of the compose box for threadId.
func (n *TypingNotifier) Input(threadId, text string) {
	if strings.TrimSpace(text) == "" {
		n.Stop(threadId)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.timers[threadId]; ok {
		t.Stop()
	}
	n.send(types.EventTypingStart, threadId)

	t := &idleTimer{}
	n.timers[threadId] = t
	t.Timer = time.AfterFunc(n.idle, func() { n.expire(threadId, t) })
}

func (n *TypingNotifier) expire(threadId string, t *idleTimer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timers[threadId] != t {
		return
	}
	delete(n.timers, threadId)
	n.send(types.EventTypingStop, threadId)
}

// Stop cancels the idle timer and emits typing_stop.
func (n *TypingNotifier) Stop(threadId string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.timers[threadId]; ok {
		t.Stop()
		delete(n.timers, threadId)
	}
	n.send(types.EventTypingStop, threadId)
}

func (n *TypingNotifier) send(event, threadId string) {
	if err := n.emit.Emit(event, types.TypingPayload{ThreadId: threadId}); err != nil {
		n.log.Printf("emit %s: %v", event, err)
	}
}
