// Package room provides a generic join/leave/broadcast primitive over named
// logical rooms. It is domain-agnostic: it never consults storage and knows
// nothing about conversations or tickets beyond the room-name conventions
// below. Membership is held in a dual index (room -> connections and
// connection -> rooms) so that both broadcasts and full-connection cleanup
// are cheap.
package room

import (
	"sync"
)

// Room name prefixes for the two room families the gateway uses.
const (
	conversationPrefix = "conversation:"
	ticketPrefix       = "ticket:"
)

// Conversation returns the room name for a conversation's message stream.
func Conversation(conversationID string) string {
	return conversationPrefix + conversationID
}

// Ticket returns the room name for a ticket's viewer-presence room.
func Ticket(ticketID string) string {
	return ticketPrefix + ticketID
}

// Sender delivers an encoded frame to a single connection. Implemented by the
// WebSocket connection manager; faked in tests.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Registry tracks room membership and fans frames out to members. All methods
// are safe for concurrent use; the lock is never held across a send.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]bool // room -> connection ids
	conns  map[string]map[string]bool // connection id -> rooms
	sender Sender
}

// NewRegistry creates an empty Registry delivering through sender.
func NewRegistry(sender Sender) *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]bool),
		conns:  make(map[string]map[string]bool),
		sender: sender,
	}
}

// Join adds a connection to a room. Joining a room twice is a no-op.
func (r *Registry) Join(connID, roomName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[roomName] == nil {
		r.rooms[roomName] = make(map[string]bool)
	}
	r.rooms[roomName][connID] = true

	if r.conns[connID] == nil {
		r.conns[connID] = make(map[string]bool)
	}
	r.conns[connID][roomName] = true
}

// Leave removes a connection from a room. Empty rooms are discarded.
func (r *Registry) Leave(connID, roomName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, roomName)
}

func (r *Registry) leaveLocked(connID, roomName string) {
	if members, ok := r.rooms[roomName]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomName)
		}
	}
	if rooms, ok := r.conns[connID]; ok {
		delete(rooms, roomName)
		if len(rooms) == 0 {
			delete(r.conns, connID)
		}
	}
}

// LeaveAll removes a connection from every room it joined and returns the
// affected room names. Safe to call for a connection that joined nothing.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.conns[connID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for roomName := range rooms {
		affected = append(affected, roomName)
		if members, ok := r.rooms[roomName]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.rooms, roomName)
			}
		}
	}
	delete(r.conns, connID)
	return affected
}

// Members returns a snapshot of the connection ids currently in a room.
func (r *Registry) Members(roomName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomName]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for connID := range members {
		result = append(result, connID)
	}
	return result
}

// Rooms returns a snapshot of the room names a connection has joined.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.conns[connID]
	if len(rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(rooms))
	for roomName := range rooms {
		result = append(result, roomName)
	}
	return result
}

// Broadcast sends data to every member of a room, at most once per member per
// call, optionally excluding one connection (typically the originator).
// Individual send errors are ignored; dead connections are reaped by the
// heartbeat and read paths. Returns the number of connections written to.
func (r *Registry) Broadcast(roomName string, data []byte, excludeConnID string) int {
	r.mu.RLock()
	members := make([]string, 0, len(r.rooms[roomName]))
	for connID := range r.rooms[roomName] {
		if connID == excludeConnID {
			continue
		}
		members = append(members, connID)
	}
	r.mu.RUnlock()

	for _, connID := range members {
		_ = r.sender.SendMessage(connID, data)
	}
	return len(members)
}
