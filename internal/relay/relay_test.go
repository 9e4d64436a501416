package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brightdesk/helpdesk/internal/identity"
	"github.com/brightdesk/helpdesk/internal/messaging"
	"github.com/brightdesk/helpdesk/internal/room"
	"github.com/brightdesk/helpdesk/internal/store"
)

// fakeStore serves fixed conversations/agents and records created messages.
// When createStarted/createRelease are set, CreateMessage signals entry and
// then blocks until released, letting tests hold a persist in flight.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]store.Conversation
	agents        map[string]store.Agent
	created       []store.Message
	failCreate    bool

	createStarted chan struct{}
	createRelease chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]store.Conversation),
		agents:        make(map[string]store.Agent),
	}
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	if f.createStarted != nil {
		f.createStarted <- struct{}{}
	}
	if f.createRelease != nil {
		<-f.createRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return nil, fmt.Errorf("insert failed")
	}
	out := *m
	out.ID = fmt.Sprintf("msg-%d", len(f.created)+1)
	out.CreatedAt = time.Now()
	f.created = append(f.created, out)
	return &out, nil
}

func (f *fakeStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

// fakeActivity reports fixed per-conversation activity.
type fakeActivity struct {
	customerActive bool
	agentActive    bool
}

func (f *fakeActivity) IsCustomerActive(conversationID string) bool { return f.customerActive }
func (f *fakeActivity) IsAgentActive(conversationID string) bool    { return f.agentActive }

// fakeDispatcher records published side effects.
type fakeDispatcher struct {
	mu             sync.Mutex
	tatUpdates     []string
	firstResponses []messaging.Notification
	agentReplies   []messaging.Notification
	customerRepls  []messaging.Notification
}

func (f *fakeDispatcher) PublishTATUpdate(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tatUpdates = append(f.tatUpdates, conversationID)
	return nil
}

func (f *fakeDispatcher) PublishFirstResponse(n messaging.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstResponses = append(f.firstResponses, n)
	return nil
}

func (f *fakeDispatcher) PublishAgentReplied(n messaging.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentReplies = append(f.agentReplies, n)
	return nil
}

func (f *fakeDispatcher) PublishCustomerReplied(n messaging.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerRepls = append(f.customerRepls, n)
	return nil
}

// recordingSender records frames per connection, in delivery order, for
// broadcast assertions.
type recordingSender struct {
	mu     sync.Mutex
	sent   map[string]int
	frames [][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string]int)}
}

func (r *recordingSender) SendMessage(connID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[connID]++
	r.frames = append(r.frames, data)
	return nil
}

func (r *recordingSender) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.sent {
		n += c
	}
	return n
}

// contents decodes the message content carried by each recorded frame.
func (r *recordingSender) contents(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		var frame struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(f, &frame); err != nil {
			t.Fatalf("failed to decode broadcast frame: %v", err)
		}
		out = append(out, frame.Message.Content)
	}
	return out
}

// newTestRelay wires a relay over fresh fakes with one conversation seeded.
func newTestRelay(activity *fakeActivity) (*Relay, *fakeStore, *fakeDispatcher, *recordingSender, *room.Registry) {
	st := newFakeStore()
	st.conversations["conv-1"] = store.Conversation{
		ID:            "conv-1",
		TicketID:      "t-1",
		Subject:       "Printer on fire",
		CustomerID:    "cust-1",
		CustomerName:  "Carla",
		CustomerEmail: "carla@example.com",
		AssignedAgent: "agent-1",
	}
	st.agents["agent-1"] = store.Agent{ID: "agent-1", Name: "Ana", Email: "ana@desk.example.com"}

	dispatcher := &fakeDispatcher{}
	sender := newRecordingSender()
	rooms := room.NewRegistry(sender)
	r := New(st, rooms, activity, dispatcher, "https://desk.example.com")
	return r, st, dispatcher, sender, rooms
}

var agentAna = identity.Identity{ID: "agent-1", Role: identity.RoleAgent, Name: "Ana"}
var customerCarla = identity.Identity{ID: "cust-1", Role: identity.RoleCustomer, Name: "Carla"}

// ---------------------------------------------------------------------------
// Test: Send persists and broadcasts to every room member
// ---------------------------------------------------------------------------

func TestRelay_Send(t *testing.T) {
	r, st, _, sender, rooms := newTestRelay(&fakeActivity{})
	rooms.Join("c1", room.Conversation("conv-1"))
	rooms.Join("c2", room.Conversation("conv-1"))

	msg, conv, err := r.Send(context.Background(), agentAna, SendRequest{
		ConversationID: "conv-1",
		Content:        "Have you tried turning it off?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected persisted message id")
	}
	if msg.SenderType != store.SenderTypeAgent {
		t.Errorf("expected sender type agent, got %s", msg.SenderType)
	}
	if conv.ID != "conv-1" {
		t.Errorf("expected conversation snapshot, got %+v", conv)
	}
	if len(st.created) != 1 {
		t.Fatalf("expected 1 created message, got %d", len(st.created))
	}
	// The sender's own connection receives the broadcast too.
	if sender.total() != 2 {
		t.Errorf("expected broadcast to 2 members, got %d", sender.total())
	}
}

func TestRelay_SendCustomerSenderType(t *testing.T) {
	r, st, _, _, _ := newTestRelay(&fakeActivity{})

	if _, _, err := r.Send(context.Background(), customerCarla, SendRequest{
		ConversationID: "conv-1",
		Content:        "it is still on fire",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.created[0].SenderType != store.SenderTypeCustomer {
		t.Errorf("expected sender type customer, got %s", st.created[0].SenderType)
	}
}

// ---------------------------------------------------------------------------
// Test: Concurrent sends broadcast in persist-completion order
// ---------------------------------------------------------------------------

func TestRelay_SendOrderPerConversation(t *testing.T) {
	r, st, _, sender, rooms := newTestRelay(&fakeActivity{})
	rooms.Join("c1", room.Conversation("conv-1"))

	st.createStarted = make(chan struct{}, 2)
	st.createRelease = make(chan struct{})

	done := make(chan error, 2)
	go func() {
		_, _, err := r.Send(context.Background(), agentAna, SendRequest{
			ConversationID: "conv-1",
			Content:        "first",
		})
		done <- err
	}()

	// Wait until the first send is inside the persist, then start a second
	// send for the same conversation.
	<-st.createStarted
	go func() {
		_, _, err := r.Send(context.Background(), customerCarla, SendRequest{
			ConversationID: "conv-1",
			Content:        "second",
		})
		done <- err
	}()

	// The second send must queue behind the first: nothing may reach the room
	// while the first persist is still in flight.
	time.Sleep(50 * time.Millisecond)
	if sender.total() != 0 {
		t.Fatalf("broadcast escaped while a persist was in flight: %v", sender.contents(t))
	}

	close(st.createRelease)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}

	if got := sender.contents(t); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("broadcast order does not match persist order: %v", got)
	}
	if st.created[0].Content != "first" || st.created[1].Content != "second" {
		t.Fatalf("unexpected persist order: %+v", st.created)
	}
}

// ---------------------------------------------------------------------------
// Test: Validation failures never persist or broadcast
// ---------------------------------------------------------------------------

func TestRelay_SendValidation(t *testing.T) {
	cases := []struct {
		name string
		req  SendRequest
	}{
		{"missing conversation", SendRequest{Content: "hi"}},
		{"missing content", SendRequest{ConversationID: "conv-1"}},
		{"oversized bytes", SendRequest{ConversationID: "conv-1", Content: strings.Repeat("x", MaxMessageBytes+1)}},
		{"too many characters", SendRequest{ConversationID: "conv-1", Content: strings.Repeat("ab", MaxContentChars/2+1)}},
		{"invalid utf8", SendRequest{ConversationID: "conv-1", Content: string([]byte{0xff, 0xfe})}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, st, _, sender, rooms := newTestRelay(&fakeActivity{})
			rooms.Join("c1", room.Conversation("conv-1"))

			_, _, err := r.Send(context.Background(), customerCarla, tc.req)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
			if len(st.created) != 0 {
				t.Error("invalid message was persisted")
			}
			if sender.total() != 0 {
				t.Error("invalid message was broadcast")
			}
		})
	}
}

// A character-count-limit content that stays under the byte limit needs
// multibyte runes; make sure the two limits are checked independently.
func TestRelay_SendMultibyteUnderLimits(t *testing.T) {
	r, _, _, _, _ := newTestRelay(&fakeActivity{})

	content := strings.Repeat("ü", 1000) // 2000 bytes, 1000 chars
	if _, _, err := r.Send(context.Background(), customerCarla, SendRequest{
		ConversationID: "conv-1",
		Content:        content,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown conversation and store failure short-circuit the pipeline
// ---------------------------------------------------------------------------

func TestRelay_SendUnknownConversation(t *testing.T) {
	r, _, _, sender, _ := newTestRelay(&fakeActivity{})

	_, _, err := r.Send(context.Background(), customerCarla, SendRequest{
		ConversationID: "ghost",
		Content:        "hello?",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if sender.total() != 0 {
		t.Error("unknown conversation produced a broadcast")
	}
}

func TestRelay_SendPersistFailure(t *testing.T) {
	r, st, _, sender, rooms := newTestRelay(&fakeActivity{})
	rooms.Join("c1", room.Conversation("conv-1"))
	st.failCreate = true

	_, _, err := r.Send(context.Background(), customerCarla, SendRequest{
		ConversationID: "conv-1",
		Content:        "hello",
	})
	if err == nil {
		t.Fatal("expected error from failed persist")
	}
	if sender.total() != 0 {
		t.Error("unpersisted message was broadcast")
	}
}

// ---------------------------------------------------------------------------
// Test: Agent reply side effects
// ---------------------------------------------------------------------------

func TestRelay_AgentReplyFirstResponse(t *testing.T) {
	r, _, dispatcher, _, _ := newTestRelay(&fakeActivity{customerActive: true})

	msg, conv, err := r.Send(context.Background(), agentAna, SendRequest{
		ConversationID: "conv-1",
		Content:        "On it.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.DispatchSideEffects(agentAna, conv, msg)

	if len(dispatcher.tatUpdates) != 1 || dispatcher.tatUpdates[0] != "conv-1" {
		t.Errorf("expected one TAT update for conv-1, got %v", dispatcher.tatUpdates)
	}
	if len(dispatcher.firstResponses) != 1 {
		t.Fatalf("expected exactly one first-response notification, got %d", len(dispatcher.firstResponses))
	}
	n := dispatcher.firstResponses[0]
	if n.RecipientEmail != "carla@example.com" || n.TicketID != "t-1" {
		t.Errorf("unexpected notification: %+v", n)
	}
	if n.Link != "https://desk.example.com/tickets/t-1" {
		t.Errorf("unexpected deep link: %q", n.Link)
	}
	// Customer is watching, so no agent-reply mail.
	if len(dispatcher.agentReplies) != 0 {
		t.Errorf("expected no agent-reply notification while customer active, got %d", len(dispatcher.agentReplies))
	}
}

func TestRelay_AgentReplyNotFirstResponse(t *testing.T) {
	r, st, dispatcher, _, _ := newTestRelay(&fakeActivity{customerActive: true})
	at := time.Now().Add(-time.Hour)
	sec := 120
	conv := st.conversations["conv-1"]
	conv.FirstResponseAt = &at
	conv.FirstResponseSec = &sec
	st.conversations["conv-1"] = conv

	msg, snapshot, err := r.Send(context.Background(), agentAna, SendRequest{
		ConversationID: "conv-1",
		Content:        "Any update?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.DispatchSideEffects(agentAna, snapshot, msg)

	if len(dispatcher.firstResponses) != 0 {
		t.Errorf("expected no first-response notification, got %d", len(dispatcher.firstResponses))
	}
	if len(dispatcher.tatUpdates) != 1 {
		t.Errorf("expected TAT update regardless, got %d", len(dispatcher.tatUpdates))
	}
}

func TestRelay_AgentReplyCustomerAbsent(t *testing.T) {
	r, _, dispatcher, _, _ := newTestRelay(&fakeActivity{customerActive: false})

	msg, conv, err := r.Send(context.Background(), agentAna, SendRequest{
		ConversationID: "conv-1",
		Content:        "Replacing the fuser now.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.DispatchSideEffects(agentAna, conv, msg)

	if len(dispatcher.agentReplies) != 1 {
		t.Fatalf("expected exactly one agent-reply notification, got %d", len(dispatcher.agentReplies))
	}
	if dispatcher.agentReplies[0].RecipientEmail != "carla@example.com" {
		t.Errorf("unexpected recipient: %+v", dispatcher.agentReplies[0])
	}
}

func TestRelay_AgentReplyNoCustomerEmail(t *testing.T) {
	r, st, dispatcher, _, _ := newTestRelay(&fakeActivity{customerActive: false})
	conv := st.conversations["conv-1"]
	conv.CustomerEmail = ""
	st.conversations["conv-1"] = conv

	msg, snapshot, err := r.Send(context.Background(), agentAna, SendRequest{
		ConversationID: "conv-1",
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.DispatchSideEffects(agentAna, snapshot, msg)

	if len(dispatcher.firstResponses) != 0 || len(dispatcher.agentReplies) != 0 {
		t.Error("expected no notifications without a customer email")
	}
}

// ---------------------------------------------------------------------------
// Test: Customer reply side effects
// ---------------------------------------------------------------------------

func TestRelay_CustomerReplyAgentAbsent(t *testing.T) {
	r, _, dispatcher, _, _ := newTestRelay(&fakeActivity{agentActive: false})

	msg, conv, err := r.Send(context.Background(), customerCarla, SendRequest{
		ConversationID: "conv-1",
		Content:        "Smoke is getting worse.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.DispatchSideEffects(customerCarla, conv, msg)

	if len(dispatcher.customerRepls) != 1 {
		t.Fatalf("expected exactly one customer-reply notification, got %d", len(dispatcher.customerRepls))
	}
	n := dispatcher.customerRepls[0]
	if n.RecipientEmail != "ana@desk.example.com" || n.RecipientName != "Ana" {
		t.Errorf("unexpected recipient: %+v", n)
	}
	// Customer messages never fire TAT updates or agent-side notifications.
	if len(dispatcher.tatUpdates) != 0 || len(dispatcher.firstResponses) != 0 || len(dispatcher.agentReplies) != 0 {
		t.Error("customer reply fired agent-side effects")
	}
}

func TestRelay_CustomerReplySkips(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(st *fakeStore)
		activity *fakeActivity
	}{
		{
			"agent watching", func(st *fakeStore) {}, &fakeActivity{agentActive: true},
		},
		{
			"no assigned agent", func(st *fakeStore) {
				conv := st.conversations["conv-1"]
				conv.AssignedAgent = ""
				st.conversations["conv-1"] = conv
			}, &fakeActivity{},
		},
		{
			"agent without email", func(st *fakeStore) {
				a := st.agents["agent-1"]
				a.Email = ""
				st.agents["agent-1"] = a
			}, &fakeActivity{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, st, dispatcher, _, _ := newTestRelay(tc.activity)
			tc.mutate(st)

			msg, conv, err := r.Send(context.Background(), customerCarla, SendRequest{
				ConversationID: "conv-1",
				Content:        "hello",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			r.DispatchSideEffects(customerCarla, conv, msg)

			if len(dispatcher.customerRepls) != 0 {
				t.Errorf("expected no customer-reply notification, got %d", len(dispatcher.customerRepls))
			}
		})
	}
}
