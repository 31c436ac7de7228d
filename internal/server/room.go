package server

import (
	"sync"

	"github.com/npezzotti/swapchat/internal/types"
)

const (
	personalRoomPrefix = "user:"
	threadRoomPrefix   = "thread:"
)

func PersonalRoom(userId string) string {
	return personalRoomPrefix + userId
}

func ThreadRoom(threadId string) string {
	return threadRoomPrefix + threadId
}

// RoomRegistry tracks which clients belong to which named room. A room
// exists only while it has at least one member.
type RoomRegistry struct {
	mu       sync.Mutex
	rooms    map[string]map[*Client]struct{}
	memberOf map[*Client]map[string]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:    make(map[string]map[*Client]struct{}),
		memberOf: make(map[*Client]map[string]struct{}),
	}
}

// Join adds c to room and reports whether the room was created by this call.
// Joining a room twice is a no-op.
func (r *RoomRegistry) Join(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		members = make(map[*Client]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}

	joined, ok := r.memberOf[c]
	if !ok {
		joined = make(map[string]struct{})
		r.memberOf[c] = joined
	}
	joined[room] = struct{}{}

	return !exists
}

// Leave removes c from room and reports whether the room was removed.
// Leaving a room c is not in is a no-op.
func (r *RoomRegistry) Leave(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leave(room, c)
}

func (r *RoomRegistry) leave(room string, c *Client) bool {
	if joined, ok := r.memberOf[c]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.memberOf, c)
		}
	}

	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[c]; !ok {
		return false
	}

	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
		return true
	}
	return false
}

// LeaveAll removes c from every room it joined and returns the number of
// rooms that became empty.
func (r *RoomRegistry) LeaveAll(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for room := range r.memberOf[c] {
		if r.leave(room, c) {
			removed++
		}
	}
	delete(r.memberOf, c)
	return removed
}

func (r *RoomRegistry) IsMember(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[room][c]
	return ok
}

func (r *RoomRegistry) Members(room string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]*Client, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		members = append(members, c)
	}
	return members
}

func (r *RoomRegistry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rooms)
}

// Broadcast queues msg for every member of room except skip and returns the
// number of clients it was queued for. Queuing happens under the registry
// lock so every member observes broadcasts in the same order.
func (r *RoomRegistry) Broadcast(room string, msg *types.Envelope, skip *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for c := range r.rooms[room] {
		if c == skip {
			continue
		}
		if c.queueMessage(msg) {
			delivered++
		}
	}
	return delivered
}
