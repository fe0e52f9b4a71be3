// Package rooms provides the subscription index mapping room names to the
// connections currently joined to them. It is the single source of truth for
// membership; callers derive subscriber counts and presence from it rather
// than keeping their own copies.
package rooms

import (
	"sync"
)

// Message represents a message ready for fan-out to room members
type Message struct {
	Data []byte
	Type int //websocket message type
}

// Member is anything that can be joined to a room and receive messages.
// Send must be safe for concurrent use; the index calls it outside its own
// locks so a slow member cannot stall membership changes.
type Member interface {
	Send(m Message)
}

// Index maintains a bidirectional mapping between rooms and members
type Index struct {
	mu      sync.RWMutex
	rooms   map[string]map[Member]bool
	members map[Member]map[string]bool
}

// NewIndex returns a pointer to an initialised Index
func NewIndex() *Index {
	return &Index{
		rooms:   make(map[string]map[Member]bool),
		members: make(map[Member]map[string]bool),
	}
}

// Join adds the member to the room, creating the room if needed.
// Joining a room you are already in is a no-op.
func (x *Index) Join(room string, m Member) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.rooms[room]; !ok {
		x.rooms[room] = make(map[Member]bool)
	}
	x.rooms[room][m] = true

	if _, ok := x.members[m]; !ok {
		x.members[m] = make(map[string]bool)
	}
	x.members[m][room] = true
}

// Leave removes the member from the room; a no-op if not a member.
// The room is deleted the moment its last member leaves, so the index
// cannot grow without bound under join/leave churn.
func (x *Index) Leave(room string, m Member) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.leave(room, m)
}

// leave removes both sides of the mapping; callers must hold the write lock
func (x *Index) leave(room string, m Member) {
	if members, ok := x.rooms[room]; ok {
		delete(members, m)
		if len(members) == 0 {
			delete(x.rooms, room)
		}
	}
	if joined, ok := x.members[m]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(x.members, m)
		}
	}
}

// LeaveAll removes the member from every room it belongs to, applying the
// same empty-room cleanup as Leave, then drops the member's own record.
func (x *Index) LeaveAll(m Member) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for room := range x.members[m] {
		x.leave(room, m)
	}
	delete(x.members, m)
}

// Broadcast delivers the message to every current member of the room.
// The member set is snapshotted under the read lock and the (possibly slow)
// sends happen after the lock is released, so a blocked recipient does not
// hold up joins and leaves on other connections.
func (x *Index) Broadcast(room string, msg Message) {
	x.mu.RLock()
	members := make([]Member, 0, len(x.rooms[room]))
	for m := range x.rooms[room] {
		members = append(members, m)
	}
	x.mu.RUnlock()

	for _, m := range members {
		m.Send(msg)
	}
}

// MemberCount returns the number of members currently in the room
func (x *Index) MemberCount(room string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms[room])
}

// RoomCount returns the number of rooms with at least one member
func (x *Index) RoomCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}

// Rooms returns the rooms the member currently belongs to
func (x *Index) Rooms(m Member) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rooms := make([]string, 0, len(x.members[m]))
	for room := range x.members[m] {
		rooms = append(rooms, room)
	}
	return rooms
}
