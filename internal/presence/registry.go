// Package presence tracks agent availability across all of an agent's open
// connections. One entry per agent id holds the set of connections currently
// reporting for that agent plus the latest status; the entry lives only while
// at least one connection is attached. Status changes are mirrored to the
// agent store and broadcast to every connection, since the dashboards render
// presence globally rather than per room.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brightdesk/helpdesk/internal/protocol"
	"github.com/brightdesk/helpdesk/internal/store"
)

// Status is an agent's availability state.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusOnLeave   Status = "on_leave"
	StatusInMeeting Status = "in_meeting"
	StatusDND       Status = "dnd"
)

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline,
		StatusOnLeave, StatusInMeeting, StatusDND:
		return Status(s), true
	}
	return "", false
}

// Errors returned by Registry operations.
var (
	ErrInvalidStatus = errors.New("presence: invalid status")
	ErrAgentNotFound = errors.New("presence: agent not found")
)

// AgentStore is the slice of the persistence layer the registry needs.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgents(ctx context.Context, ids []string) ([]store.Agent, error)
	UpdateAgentPresence(ctx context.Context, agentID string, status string, lastSeenAt *time.Time) error
}

// Broadcaster delivers a frame to every connection on this gateway instance.
type Broadcaster interface {
	Broadcast(data []byte)
}

// AgentPresence is the merged presence view returned by GetPresence.
type AgentPresence struct {
	AgentID        string `json:"agentId"`
	AgentSlug      string `json:"agentSlug"`
	Name           string `json:"name"`
	PresenceStatus string `json:"presenceStatus"`
	LastSeenAt     *int64 `json:"lastSeenAt"`
	IsOnline       bool   `json:"isOnline"`
}

// entry is the in-memory state for one agent. Invariant: the entry exists
// only while conns is non-empty.
type entry struct {
	conns      map[string]bool
	status     Status
	lastSeenAt time.Time // zero when the agent has no fresh liveness stamp
}

// Registry is the in-memory presence map. The mutex guards only the map
// mutation; store writes and broadcasts happen after it is released.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]*entry
	store     AgentStore
	broadcast Broadcaster
}

// NewRegistry creates an empty Registry.
func NewRegistry(agentStore AgentStore, broadcast Broadcaster) *Registry {
	return &Registry{
		agents:    make(map[string]*entry),
		store:     agentStore,
		broadcast: broadcast,
	}
}

// SetPresence records a status report from one of an agent's connections.
// It validates the status, verifies the agent exists, mirrors the status to
// the store, updates the in-memory entry, and broadcasts the change to all
// connections. A later call from any connection overwrites the status
// (last writer wins across an agent's open tabs). It returns the applied
// status and the current lastSeenAt stamp, nil when unset.
func (r *Registry) SetPresence(ctx context.Context, agentID, connID string, rawStatus string) (Status, *time.Time, error) {
	status, ok := ParseStatus(rawStatus)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidStatus, rawStatus)
	}

	if _, err := r.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return "", nil, fmt.Errorf("presence: verify agent %s: %w", agentID, err)
	}

	// Compute the stamp without touching the entry yet. Only "online" earns a
	// fresh liveness timestamp; other statuses keep whatever stamp the agent
	// last earned.
	r.mu.Lock()
	var last time.Time
	if e, ok := r.agents[agentID]; ok {
		last = e.lastSeenAt
	}
	if status == StatusOnline {
		last = time.Now()
	}
	r.mu.Unlock()

	var stamped *time.Time
	if !last.IsZero() {
		t := last
		stamped = &t
	}

	if err := r.store.UpdateAgentPresence(ctx, agentID, string(status), stamped); err != nil {
		return "", nil, fmt.Errorf("presence: persist %s: %w", agentID, err)
	}

	// The entry is mutated only after the mirror write succeeds. A rejected
	// update registers no connection, leaving nothing for disconnect cleanup
	// to miss.
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		e = &entry{conns: make(map[string]bool)}
		r.agents[agentID] = e
	}
	e.conns[connID] = true
	e.status = status
	if status == StatusOnline {
		e.lastSeenAt = last
	}
	r.mu.Unlock()

	r.announce(agentID, status, stamped)
	return status, stamped, nil
}

// GetPresence returns the merged presence view for a set of agent ids,
// preferring in-memory state over the persisted record when an entry exists.
// IsOnline reports whether the agent has any connection on this instance.
func (r *Registry) GetPresence(ctx context.Context, agentIDs []string) ([]AgentPresence, error) {
	agents, err := r.store.GetAgents(ctx, agentIDs)
	if err != nil {
		return nil, fmt.Errorf("presence: load agents: %w", err)
	}

	result := make([]AgentPresence, 0, len(agents))
	r.mu.Lock()
	for _, a := range agents {
		p := AgentPresence{
			AgentID:        a.ID,
			AgentSlug:      a.Slug,
			Name:           a.Name,
			PresenceStatus: a.PresenceStatus,
		}
		if a.LastSeenAt != nil {
			ts := a.LastSeenAt.Unix()
			p.LastSeenAt = &ts
		}
		if e, ok := r.agents[a.ID]; ok {
			p.PresenceStatus = string(e.status)
			p.IsOnline = len(e.conns) > 0
			if !e.lastSeenAt.IsZero() {
				ts := e.lastSeenAt.Unix()
				p.LastSeenAt = &ts
			}
		}
		result = append(result, p)
	}
	r.mu.Unlock()

	return result, nil
}

// Disconnect removes a connection from its agent's entry. When the last
// connection goes away the agent is forced offline: the status is persisted,
// broadcast, and the in-memory entry dropped. Safe to call repeatedly and for
// unknown agent/connection pairs.
func (r *Registry) Disconnect(ctx context.Context, agentID, connID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.agents, agentID)
	var lastSeen *time.Time
	if !e.lastSeenAt.IsZero() {
		t := e.lastSeenAt
		lastSeen = &t
	}
	r.mu.Unlock()

	if err := r.store.UpdateAgentPresence(ctx, agentID, string(StatusOffline), lastSeen); err != nil {
		// The broadcast still goes out: connected clients should see the
		// agent drop even if the mirror write failed.
		r.announce(agentID, StatusOffline, lastSeen)
		return fmt.Errorf("presence: persist offline %s: %w", agentID, err)
	}

	r.announce(agentID, StatusOffline, lastSeen)
	return nil
}

// ConnectionCount returns the number of connections currently reporting for
// an agent.
func (r *Registry) ConnectionCount(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		return len(e.conns)
	}
	return 0
}

// announce broadcasts an agent:presence:update to every connection.
func (r *Registry) announce(agentID string, status Status, lastSeenAt *time.Time) {
	var ts *int64
	if lastSeenAt != nil {
		v := lastSeenAt.Unix()
		ts = &v
	}
	data, err := protocol.NewServerMessage(protocol.TypeAgentPresenceUpdate, protocol.AgentPresenceUpdateEvent{
		AgentID:        agentID,
		PresenceStatus: string(status),
		LastSeenAt:     ts,
		UpdatedAt:      time.Now().Unix(),
	})
	if err != nil {
		log.Printf("presence: failed to build update for agent %s: %v", agentID, err)
		return
	}
	r.broadcast.Broadcast(data)
}
