package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brightdesk/helpdesk/internal/store"
)

// fakeAgentStore serves a fixed set of agents and records presence writes.
type fakeAgentStore struct {
	mu      sync.Mutex
	agents  map[string]store.Agent
	writes  []presenceWrite
	failGet bool
	failSet bool
}

type presenceWrite struct {
	agentID    string
	status     string
	lastSeenAt *time.Time
}

func newFakeAgentStore(ids ...string) *fakeAgentStore {
	f := &fakeAgentStore{agents: make(map[string]store.Agent)}
	for _, id := range ids {
		f.agents[id] = store.Agent{ID: id, Slug: id + "-slug", Name: "Agent " + id, PresenceStatus: "offline"}
	}
	return f
}

func (f *fakeAgentStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, fmt.Errorf("boom")
	}
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (f *fakeAgentStore) GetAgents(ctx context.Context, ids []string) ([]store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, fmt.Errorf("boom")
	}
	var result []store.Agent
	for _, id := range ids {
		if a, ok := f.agents[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

func (f *fakeAgentStore) UpdateAgentPresence(ctx context.Context, agentID string, status string, lastSeenAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return fmt.Errorf("boom")
	}
	f.writes = append(f.writes, presenceWrite{agentID: agentID, status: status, lastSeenAt: lastSeenAt})
	return nil
}

func (f *fakeAgentStore) lastWrite() (presenceWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return presenceWrite{}, false
	}
	return f.writes[len(f.writes)-1], true
}

// fakeBroadcaster collects broadcast frames.
type fakeBroadcaster struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeBroadcaster) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeBroadcaster) last(t *testing.T) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("expected at least one broadcast frame")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &m); err != nil {
		t.Fatalf("failed to decode broadcast frame: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Test: SetPresence validates, persists, and broadcasts
// ---------------------------------------------------------------------------

func TestRegistry_SetPresence(t *testing.T) {
	st := newFakeAgentStore("a1")
	bc := &fakeBroadcaster{}
	r := NewRegistry(st, bc)

	status, lastSeen, err := r.SetPresence(context.Background(), "a1", "c1", "online")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusOnline {
		t.Errorf("expected status online, got %s", status)
	}
	if lastSeen == nil {
		t.Error("expected online to stamp lastSeenAt")
	}

	w, ok := st.lastWrite()
	if !ok || w.agentID != "a1" || w.status != "online" || w.lastSeenAt == nil {
		t.Errorf("unexpected store write: %+v", w)
	}

	frame := bc.last(t)
	if frame["type"] != "agent:presence:update" {
		t.Errorf("expected agent:presence:update broadcast, got %v", frame["type"])
	}
	if frame["agentId"] != "a1" || frame["presenceStatus"] != "online" {
		t.Errorf("unexpected broadcast payload: %v", frame)
	}
}

// ---------------------------------------------------------------------------
// Test: Non-online statuses keep the prior liveness stamp
// ---------------------------------------------------------------------------

func TestRegistry_LastSeenOnlyOnOnline(t *testing.T) {
	st := newFakeAgentStore("a1")
	r := NewRegistry(st, &fakeBroadcaster{})
	ctx := context.Background()

	_, first, err := r.SetPresence(ctx, "a1", "c1", "away")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != nil {
		t.Error("away must not stamp lastSeenAt before the agent was ever online")
	}

	_, online, err := r.SetPresence(ctx, "a1", "c1", "online")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if online == nil {
		t.Fatal("online must stamp lastSeenAt")
	}

	_, busy, err := r.SetPresence(ctx, "a1", "c1", "busy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if busy == nil || !busy.Equal(*online) {
		t.Errorf("busy must keep the online stamp: online=%v busy=%v", online, busy)
	}
}

// ---------------------------------------------------------------------------
// Test: Invalid status and unknown agent
// ---------------------------------------------------------------------------

func TestRegistry_SetPresenceErrors(t *testing.T) {
	st := newFakeAgentStore("a1")
	bc := &fakeBroadcaster{}
	r := NewRegistry(st, bc)
	ctx := context.Background()

	if _, _, err := r.SetPresence(ctx, "a1", "c1", "sleeping"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if _, _, err := r.SetPresence(ctx, "ghost", "c1", "online"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if bc.count() != 0 {
		t.Error("failed updates must not broadcast")
	}
	if _, ok := st.lastWrite(); ok {
		t.Error("failed updates must not write to the store")
	}
}

// ---------------------------------------------------------------------------
// Test: A failed mirror write registers no connection
// ---------------------------------------------------------------------------

func TestRegistry_SetPresencePersistFailure(t *testing.T) {
	st := newFakeAgentStore("a1")
	bc := &fakeBroadcaster{}
	r := NewRegistry(st, bc)
	ctx := context.Background()

	st.mu.Lock()
	st.failSet = true
	st.mu.Unlock()

	if _, _, err := r.SetPresence(ctx, "a1", "c1", "online"); err == nil {
		t.Fatal("expected error from failed store write")
	}
	if bc.count() != 0 {
		t.Error("failed update must not broadcast")
	}
	if r.ConnectionCount("a1") != 0 {
		t.Fatalf("failed update left %d connections registered", r.ConnectionCount("a1"))
	}

	// The agent is still reported from the persisted record, not from a
	// half-applied in-memory entry.
	st.mu.Lock()
	st.failSet = false
	st.mu.Unlock()
	got, err := r.GetPresence(ctx, []string{"a1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].IsOnline || got[0].PresenceStatus != "offline" {
		t.Errorf("expected a1 offline from the store, got %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Last writer wins across an agent's connections
// ---------------------------------------------------------------------------

func TestRegistry_LastWriterWins(t *testing.T) {
	st := newFakeAgentStore("a1")
	r := NewRegistry(st, &fakeBroadcaster{})
	ctx := context.Background()

	if _, _, err := r.SetPresence(ctx, "a1", "c1", "online"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := r.SetPresence(ctx, "a1", "c2", "busy"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.GetPresence(ctx, []string{"a1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 presence record, got %d", len(got))
	}
	if got[0].PresenceStatus != "busy" {
		t.Errorf("expected last-written status busy, got %s", got[0].PresenceStatus)
	}
	if !got[0].IsOnline {
		t.Error("expected IsOnline while connections remain")
	}
	if r.ConnectionCount("a1") != 2 {
		t.Errorf("expected 2 connections, got %d", r.ConnectionCount("a1"))
	}
}

// ---------------------------------------------------------------------------
// Test: Agent goes offline only when the last connection disconnects
// ---------------------------------------------------------------------------

func TestRegistry_DisconnectLastConnection(t *testing.T) {
	st := newFakeAgentStore("a1")
	bc := &fakeBroadcaster{}
	r := NewRegistry(st, bc)
	ctx := context.Background()

	if _, _, err := r.SetPresence(ctx, "a1", "c1", "online"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := r.SetPresence(ctx, "a1", "c2", "online"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	broadcastsBefore := bc.count()

	// First disconnect: a connection remains, nothing persists or broadcasts.
	if err := r.Disconnect(ctx, "a1", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ConnectionCount("a1") != 1 {
		t.Fatalf("expected 1 connection left, got %d", r.ConnectionCount("a1"))
	}
	if bc.count() != broadcastsBefore {
		t.Error("disconnect with connections remaining must not broadcast")
	}
	if w, _ := st.lastWrite(); w.status == "offline" {
		t.Error("agent persisted offline while a connection remains")
	}

	// Last disconnect: entry dropped, offline persisted and broadcast.
	if err := r.Disconnect(ctx, "a1", "c2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ConnectionCount("a1") != 0 {
		t.Fatalf("expected 0 connections, got %d", r.ConnectionCount("a1"))
	}
	w, ok := st.lastWrite()
	if !ok || w.status != "offline" {
		t.Errorf("expected offline persisted, got %+v", w)
	}
	frame := bc.last(t)
	if frame["presenceStatus"] != "offline" {
		t.Errorf("expected offline broadcast, got %v", frame)
	}

	// Idempotent for unknown pairs.
	if err := r.Disconnect(ctx, "a1", "c2"); err != nil {
		t.Fatalf("repeat disconnect failed: %v", err)
	}
	if err := r.Disconnect(ctx, "ghost", "c9"); err != nil {
		t.Fatalf("unknown agent disconnect failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Offline broadcast still goes out when the store write fails
// ---------------------------------------------------------------------------

func TestRegistry_DisconnectPersistFailureStillBroadcasts(t *testing.T) {
	st := newFakeAgentStore("a1")
	bc := &fakeBroadcaster{}
	r := NewRegistry(st, bc)
	ctx := context.Background()

	if _, _, err := r.SetPresence(ctx, "a1", "c1", "online"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := bc.count()

	st.mu.Lock()
	st.failSet = true
	st.mu.Unlock()

	if err := r.Disconnect(ctx, "a1", "c1"); err == nil {
		t.Fatal("expected error from failed store write")
	}
	if bc.count() != before+1 {
		t.Error("expected offline broadcast despite store failure")
	}
}

// ---------------------------------------------------------------------------
// Test: GetPresence merges memory over the persisted record
// ---------------------------------------------------------------------------

func TestRegistry_GetPresenceMerge(t *testing.T) {
	st := newFakeAgentStore("a1", "a2")
	r := NewRegistry(st, &fakeBroadcaster{})
	ctx := context.Background()

	if _, _, err := r.SetPresence(ctx, "a1", "c1", "dnd"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.GetPresence(ctx, []string{"a1", "a2", "ghost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records (unknown ids skipped), got %d", len(got))
	}

	byID := make(map[string]AgentPresence, len(got))
	for _, p := range got {
		byID[p.AgentID] = p
	}
	if p := byID["a1"]; p.PresenceStatus != "dnd" || !p.IsOnline {
		t.Errorf("expected a1 dnd/online from memory, got %+v", p)
	}
	if p := byID["a2"]; p.PresenceStatus != "offline" || p.IsOnline {
		t.Errorf("expected a2 offline from store, got %+v", p)
	}
}

// ---------------------------------------------------------------------------
// Test: ParseStatus accepts exactly the known set
// ---------------------------------------------------------------------------

func TestParseStatus(t *testing.T) {
	valid := []string{"online", "away", "busy", "offline", "on_leave", "in_meeting", "dnd"}
	for _, s := range valid {
		if _, ok := ParseStatus(s); !ok {
			t.Errorf("expected %q to be valid", s)
		}
	}
	for _, s := range []string{"", "Online", "ONLINE", "sleeping", "on-leave"} {
		if _, ok := ParseStatus(s); ok {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}
