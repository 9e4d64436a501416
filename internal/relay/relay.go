// Package relay drives the message-send pipeline: validate the payload,
// persist the message, broadcast the canonical stored record to the
// conversation room, and fire the notification/metrics side effects. The
// pipeline short-circuits on failure — a message that did not persist is
// never broadcast and never triggers a side effect.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"unicode/utf8"

	"github.com/brightdesk/helpdesk/internal/identity"
	"github.com/brightdesk/helpdesk/internal/messaging"
	"github.com/brightdesk/helpdesk/internal/metrics"
	"github.com/brightdesk/helpdesk/internal/protocol"
	"github.com/brightdesk/helpdesk/internal/room"
	"github.com/brightdesk/helpdesk/internal/store"
)

// Content limits for a single chat message.
const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxContentChars = 2000 // max character count
)

// ErrInvalidPayload marks validation failures on the submitted message.
var ErrInvalidPayload = errors.New("relay: invalid payload")

// sendLockStripes bounds the lock table: conversations hash onto a fixed set
// of stripes rather than growing a lock per conversation id.
const sendLockStripes = 64

// Store is the slice of persistence the relay needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// Activity answers whether either party currently has a connection joined to
// a conversation. Implemented by the activity tracker.
type Activity interface {
	IsCustomerActive(conversationID string) bool
	IsAgentActive(conversationID string) bool
}

// Dispatcher reaches the external TAT-metrics and notification workers.
// Implemented by messaging.NATSClient.
type Dispatcher interface {
	PublishTATUpdate(conversationID string) error
	PublishFirstResponse(n messaging.Notification) error
	PublishAgentReplied(n messaging.Notification) error
	PublishCustomerReplied(n messaging.Notification) error
}

// SendRequest is the validated-for-shape input to Send.
type SendRequest struct {
	ConversationID  string
	ClientMessageID string
	Content         string
	MessageType     string
	Metadata        json.RawMessage
}

// Relay orchestrates the pipeline.
type Relay struct {
	store      Store
	rooms      *room.Registry
	activity   Activity
	dispatcher Dispatcher
	appBaseURL string // deep-link base, e.g. https://desk.example.com

	// sendLocks serializes concurrent sends into the same conversation, so
	// that room members observe messages in persist-completion order.
	sendLocks [sendLockStripes]sync.Mutex
}

// New creates a Relay.
func New(st Store, rooms *room.Registry, activity Activity, dispatcher Dispatcher, appBaseURL string) *Relay {
	return &Relay{
		store:      st,
		rooms:      rooms,
		activity:   activity,
		dispatcher: dispatcher,
		appBaseURL: appBaseURL,
	}
}

// validate checks the request shape and content limits.
func validate(req SendRequest) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrInvalidPayload)
	}
	if req.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidPayload)
	}
	if len(req.Content) > MaxMessageBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidPayload, MaxMessageBytes)
	}
	if utf8.RuneCountInString(req.Content) > MaxContentChars {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidPayload, MaxContentChars)
	}
	if !utf8.ValidString(req.Content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidPayload)
	}
	return nil
}

// senderType maps the caller's role to the persisted sender type. Admins
// reply on behalf of the desk, so they post as agents.
func senderType(role identity.Role) string {
	if role.IsAgent() {
		return store.SenderTypeAgent
	}
	return store.SenderTypeCustomer
}

// Send runs the synchronous half of the pipeline: validate, persist,
// broadcast. It returns the canonical stored message and the conversation as
// it looked before this message — the pre-send snapshot is what side effects
// need to detect a first response. Errors map onto the ack taxonomy via
// ErrInvalidPayload and store.ErrNotFound; anything else is a server error.
func (r *Relay) Send(ctx context.Context, sender identity.Identity, req SendRequest) (*store.Message, *store.Conversation, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	conv, err := r.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}

	// Messages in one conversation must reach room members in the order they
	// were persisted; the per-conversation lock spans persist through
	// broadcast, keeping two worker goroutines from interleaving that window.
	mu := r.sendLock(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.CreateMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		SenderType:     senderType(sender.Role),
		Content:        req.Content,
		Type:           req.MessageType,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, nil, err
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageNew, protocol.MessageNewEvent{
		ConversationID: conv.ID,
		Message:        msg,
	})
	if err != nil {
		// The message is durably stored; members catch up via the history
		// fetch on their next join. Still a delivery failure for this call.
		return nil, nil, fmt.Errorf("relay: encode broadcast: %w", err)
	}
	fanout := r.rooms.Broadcast(room.Conversation(conv.ID), data, "")
	metrics.BroadcastFanout.Observe(float64(fanout))

	return msg, conv, nil
}

// sendLock returns the stripe guarding a conversation's send window.
func (r *Relay) sendLock(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &r.sendLocks[h.Sum32()%sendLockStripes]
}

// DispatchSideEffects runs the post-ack half of the pipeline. It is called
// from a detached goroutine: every failure is logged and discarded, nothing
// reaches the sender, and no connection-owned state is touched (the sender
// may already be gone).
//
// conv must be the pre-send snapshot returned by Send, so that the
// first-response flag reflects the conversation before this message landed.
func (r *Relay) DispatchSideEffects(sender identity.Identity, conv *store.Conversation, msg *store.Message) {
	if sender.Role.IsAgent() {
		r.agentReplied(sender, conv, msg)
	} else {
		r.customerReplied(sender, conv, msg)
	}
}

// agentReplied handles side effects for agent messages: TAT update, the
// first-response notification, and the customer-absent notification. The
// first-response flag is captured from the pre-send snapshot, before the TAT
// worker gets a chance to stamp the conversation.
func (r *Relay) agentReplied(sender identity.Identity, conv *store.Conversation, msg *store.Message) {
	firstResponse := conv.FirstResponseAt == nil && conv.FirstResponseSec == nil

	if err := r.dispatcher.PublishTATUpdate(conv.ID); err != nil {
		log.Printf("relay: tat update for conversation %s: %v", conv.ID, err)
	}

	if firstResponse && conv.CustomerEmail != "" {
		n := r.notification(conv, sender.Name, msg.Content)
		n.RecipientEmail = conv.CustomerEmail
		n.RecipientName = conv.CustomerName
		if err := r.dispatcher.PublishFirstResponse(n); err != nil {
			log.Printf("relay: first-response notification for %s: %v", conv.ID, err)
		} else {
			metrics.NotificationsTotal.WithLabelValues("first_response").Inc()
		}
	}

	// Independently of first-response status: if no customer connection is
	// watching the conversation right now, mail them.
	if !r.activity.IsCustomerActive(conv.ID) && conv.CustomerEmail != "" {
		n := r.notification(conv, sender.Name, msg.Content)
		n.RecipientEmail = conv.CustomerEmail
		n.RecipientName = conv.CustomerName
		if err := r.dispatcher.PublishAgentReplied(n); err != nil {
			log.Printf("relay: customer-absent notification for %s: %v", conv.ID, err)
		} else {
			metrics.NotificationsTotal.WithLabelValues("agent_reply").Inc()
		}
	}
}

// customerReplied handles the agent-absent notification for customer
// messages.
func (r *Relay) customerReplied(sender identity.Identity, conv *store.Conversation, msg *store.Message) {
	if conv.AssignedAgent == "" {
		return
	}
	if r.activity.IsAgentActive(conv.ID) {
		return
	}

	agent, err := r.store.GetAgent(context.Background(), conv.AssignedAgent)
	if err != nil {
		log.Printf("relay: load assigned agent %s for %s: %v", conv.AssignedAgent, conv.ID, err)
		return
	}
	if agent.Email == "" {
		return
	}

	n := r.notification(conv, sender.Name, msg.Content)
	n.RecipientEmail = agent.Email
	n.RecipientName = agent.Name
	if err := r.dispatcher.PublishCustomerReplied(n); err != nil {
		log.Printf("relay: agent-absent notification for %s: %v", conv.ID, err)
	} else {
		metrics.NotificationsTotal.WithLabelValues("customer_reply").Inc()
	}
}

// notification assembles the common notification fields.
func (r *Relay) notification(conv *store.Conversation, senderName, content string) messaging.Notification {
	return messaging.Notification{
		TicketID:      conv.TicketID,
		TicketSubject: conv.Subject,
		SenderName:    senderName,
		Content:       content,
		Link:          fmt.Sprintf("%s/tickets/%s", r.appBaseURL, conv.TicketID),
	}
}
