package client

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/npezzotti/swapchat/internal/types"
	"github.com/teris-io/shortid"
)

// fuzzyWindow is how close two deliveries of the same text from the same
// sender must be to count as one message.
const fuzzyWindow = time.Second

const tempIdPrefix = "temp_"

// Entry is one row of a thread timeline. Pending entries were sent locally
// and are not yet confirmed by the server.
type Entry struct {
	types.Message
	TempId  string
	Pending bool
}

// Timeline is the client view of one thread's messages. It merges optimistic
// sends with server confirmations so each message appears exactly once.
type Timeline struct {
	mu       sync.Mutex
	user     types.User
	threadId string
	entries  []Entry
	now      func() time.Time
	newId    func() (string, error)
}

func NewTimeline(user types.User, threadId string) *Timeline {
	return &Timeline{
		user:     user,
		threadId: threadId,
		now:      time.Now,
		newId:    shortid.Generate,
	}
}

// AddPending appends an optimistic entry for content and returns it. Its
// ClientToken should accompany the send request.
func (t *Timeline) AddPending(content string) (Entry, error) {
	tempId, err := t.newId()
	if err != nil {
		return Entry{}, fmt.Errorf("generate temp id: %w", err)
	}
	token, err := t.newId()
	if err != nil {
		return Entry{}, fmt.Errorf("generate client token: %w", err)
	}

	e := Entry{
		Message: types.Message{
			Id:          tempIdPrefix + tempId,
			ThreadId:    t.threadId,
			Sender:      types.Sender{Id: t.user.Id, Username: t.user.Username},
			Content:     content,
			Type:        types.MessageTypeText,
			CreatedAt:   t.now(),
			ClientToken: token,
		},
		TempId:  tempIdPrefix + tempId,
		Pending: true,
	}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	return e, nil
}

// Receive merges a message_received event into the timeline.
func (t *Timeline) Receive(msg types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ThreadId != "" && msg.ThreadId != t.threadId {
		return
	}

	switch {
	case msg.Sender.Id != t.user.Id:
		if t.indexOf(msg.Id) < 0 && !t.knownToken(msg.ClientToken) && !t.fuzzyMatch(msg) {
			t.entries = append(t.entries, Entry{Message: msg})
		}
	case msg.ClientToken != "":
		if i := t.pendingIndex(func(e Entry) bool { return e.ClientToken == msg.ClientToken }); i >= 0 {
			t.replace(i, msg)
		} else {
			t.appendUnlessKnown(msg)
		}
	default:
		i := t.pendingIndex(func(e Entry) bool {
			return e.Content == msg.Content && e.Sender.Id == msg.Sender.Id
		})
		if i >= 0 {
			t.replace(i, msg)
		} else {
			t.appendUnlessKnown(msg)
		}
	}

	t.entries = dedupe(t.entries)
}

// Confirm applies the REST response for the pending entry tempId.
func (t *Timeline) Confirm(tempId string, msg types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := slices.IndexFunc(t.entries, func(e Entry) bool { return e.TempId == tempId })
	switch {
	case i < 0:
		t.appendUnlessKnown(msg)
	case !t.entries[i].Pending:
		// already reconciled by the broadcast
	case t.indexOf(msg.Id) >= 0:
		t.entries = slices.Delete(t.entries, i, i+1)
	default:
		t.replace(i, msg)
	}

	t.entries = dedupe(t.entries)
}

// Fail drops the pending entry tempId after a failed send and returns it so
// its content can be restored.
func (t *Timeline) Fail(tempId string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.pendingIndex(func(e Entry) bool { return e.TempId == tempId })
	if i < 0 {
		return Entry{}, false
	}

	e := t.entries[i]
	t.entries = slices.Delete(t.entries, i, i+1)
	return e, true
}

// Load merges a page of stored messages, keeping confirmed entries in
// chronological order with pending entries after them.
func (t *Timeline) Load(messages []types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var confirmed, pending []Entry
	for _, e := range t.entries {
		if e.Pending {
			pending = append(pending, e)
		} else {
			confirmed = append(confirmed, e)
		}
	}

	for _, m := range messages {
		if m.ClientToken != "" {
			if i := slices.IndexFunc(pending, func(e Entry) bool { return e.ClientToken == m.ClientToken }); i >= 0 {
				pending = slices.Delete(pending, i, i+1)
			}
		}
		if slices.IndexFunc(confirmed, func(e Entry) bool { return e.Id == m.Id }) < 0 {
			confirmed = append(confirmed, Entry{Message: m})
		}
	}

	slices.SortStableFunc(confirmed, func(a, b Entry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	t.entries = dedupe(append(confirmed, pending...))
}

// Entries returns a copy of the timeline in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.entries)
}

func (t *Timeline) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.Pending {
			n++
		}
	}
	return n
}

// HandleEvent consumes message_received events for this thread.
func (t *Timeline) HandleEvent(env *types.Envelope) bool {
	if env.Event != types.EventMessageReceived {
		return false
	}

	var msg types.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return false
	}
	if msg.ThreadId != t.threadId {
		return false
	}

	t.Receive(msg)
	return true
}

// pendingIndex returns the oldest pending entry matching fn.
func (t *Timeline) pendingIndex(fn func(Entry) bool) int {
	return slices.IndexFunc(t.entries, func(e Entry) bool { return e.Pending && fn(e) })
}

func (t *Timeline) indexOf(id string) int {
	return slices.IndexFunc(t.entries, func(e Entry) bool { return !e.Pending && e.Id == id })
}

func (t *Timeline) replace(i int, msg types.Message) {
	t.entries[i] = Entry{Message: msg, TempId: t.entries[i].TempId}
}

func (t *Timeline) appendUnlessKnown(msg types.Message) {
	if t.indexOf(msg.Id) < 0 {
		t.entries = append(t.entries, Entry{Message: msg})
	}
}

func (t *Timeline) knownToken(token string) bool {
	return token != "" && slices.ContainsFunc(t.entries, func(e Entry) bool { return e.ClientToken == token })
}

func (t *Timeline) fuzzyMatch(msg types.Message) bool {
	return slices.ContainsFunc(t.entries, func(e Entry) bool {
		if e.Content != msg.Content || e.Sender.Id != msg.Sender.Id {
			return false
		}
		d := e.CreatedAt.Sub(msg.CreatedAt)
		return d < fuzzyWindow && d > -fuzzyWindow
	})
}

func dedupe(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	out := entries[:0]
	for _, e := range entries {
		key := e.Id + "\x00" + e.Content + "\x00" + e.Sender.Id + "\x00" + strconv.FormatInt(e.CreatedAt.UnixNano(), 10)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}
