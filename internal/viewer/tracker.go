// Package viewer tracks which connections are currently looking at each
// ticket's detail view, so agent dashboards can render "who's looking at
// this" avatars. State is purely ephemeral: nothing here is persisted, and a
// ticket's entry collection disappears as soon as its last viewer leaves.
package viewer

import (
	"sort"
	"sync"
	"time"
)

// Viewer is the identity snapshot stored per (ticket, connection) pair.
type Viewer struct {
	UserID     string
	UserName   string
	UserAvatar string
	JoinedAt   time.Time
}

// Tracker maps ticket ids to their current viewers, keyed by connection id.
type Tracker struct {
	mu      sync.RWMutex
	tickets map[string]map[string]Viewer // ticket id -> connection id -> viewer
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		tickets: make(map[string]map[string]Viewer),
	}
}

// View records a connection as viewing a ticket, overwriting any previous
// snapshot for the same pair, and returns the ticket's full current viewer
// list including the caller. Returning the complete list lets the caller
// render initial state without racing the joined broadcast. The second
// return reports whether the pair was already present, which makes a
// repeated view distinguishable from a first one.
func (t *Tracker) View(ticketID, connID string, v Viewer) ([]Viewer, bool) {
	if v.JoinedAt.IsZero() {
		v.JoinedAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	viewers, ok := t.tickets[ticketID]
	if !ok {
		viewers = make(map[string]Viewer)
		t.tickets[ticketID] = viewers
	}
	_, existed := viewers[connID]
	viewers[connID] = v

	return snapshot(viewers), existed
}

// Leave removes a connection's viewer entry for a ticket, discarding the
// per-ticket collection once empty. It returns the removed snapshot and
// whether an entry existed.
func (t *Tracker) Leave(ticketID, connID string) (Viewer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	viewers, ok := t.tickets[ticketID]
	if !ok {
		return Viewer{}, false
	}
	v, ok := viewers[connID]
	if !ok {
		return Viewer{}, false
	}
	delete(viewers, connID)
	if len(viewers) == 0 {
		delete(t.tickets, ticketID)
	}
	return v, true
}

// Viewers returns a snapshot of a ticket's current viewers.
func (t *Tracker) Viewers(ticketID string) []Viewer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.tickets[ticketID])
}

// HasViewer reports whether a connection currently has an entry on a ticket.
func (t *Tracker) HasViewer(ticketID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	viewers, ok := t.tickets[ticketID]
	if !ok {
		return false
	}
	_, ok = viewers[connID]
	return ok
}

// Count returns the total number of viewer entries across all tickets.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, viewers := range t.tickets {
		n += len(viewers)
	}
	return n
}

// snapshot copies a viewer map into a slice ordered by join time so the
// avatar row renders stably.
func snapshot(viewers map[string]Viewer) []Viewer {
	if len(viewers) == 0 {
		return []Viewer{}
	}
	result := make([]Viewer, 0, len(viewers))
	for _, v := range viewers {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].UserID < result[j].UserID
		}
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result
}
