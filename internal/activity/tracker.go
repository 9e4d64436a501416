// Package activity tracks, per conversation, whether at least one customer
// connection and at least one agent connection is currently joined. The relay
// consults it to decide whether an absent-party email notification is
// warranted when a message arrives; nothing else reads it and nothing is
// persisted.
package activity

import (
	"sync"

	"github.com/brightdesk/helpdesk/internal/identity"
)

// entry holds the two disjoint connection sets for one conversation. A
// connection lands in exactly one set, decided by its role at join time.
type entry struct {
	customers map[string]bool
	agents    map[string]bool
}

// Tracker is the in-memory activity map.
type Tracker struct {
	mu    sync.RWMutex
	convs map[string]*entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		convs: make(map[string]*entry),
	}
}

// MarkActive records a connection as joined to a conversation, bucketed by
// its role. Marking the same pair twice is a no-op.
func (t *Tracker) MarkActive(conversationID, connID string, role identity.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.convs[conversationID]
	if !ok {
		e = &entry{
			customers: make(map[string]bool),
			agents:    make(map[string]bool),
		}
		t.convs[conversationID] = e
	}
	if role.IsAgent() {
		e.agents[connID] = true
	} else {
		e.customers[connID] = true
	}
}

// Remove clears a connection from whichever set it occupies for a
// conversation, discarding the entry once both sets are empty. Safe to call
// for pairs that were never marked.
func (t *Tracker) Remove(conversationID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.convs[conversationID]
	if !ok {
		return
	}
	delete(e.customers, connID)
	delete(e.agents, connID)
	if len(e.customers) == 0 && len(e.agents) == 0 {
		delete(t.convs, conversationID)
	}
}

// IsCustomerActive reports whether any customer connection is joined to the
// conversation.
func (t *Tracker) IsCustomerActive(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.convs[conversationID]
	return ok && len(e.customers) > 0
}

// IsAgentActive reports whether any agent connection is joined to the
// conversation.
func (t *Tracker) IsAgentActive(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.convs[conversationID]
	return ok && len(e.agents) > 0
}

// HasConnection reports whether a connection occupies either set for a
// conversation.
func (t *Tracker) HasConnection(conversationID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.convs[conversationID]
	if !ok {
		return false
	}
	return e.customers[connID] || e.agents[connID]
}
