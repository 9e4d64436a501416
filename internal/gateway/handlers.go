package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/brightdesk/helpdesk/internal/metrics"
	"github.com/brightdesk/helpdesk/internal/presence"
	"github.com/brightdesk/helpdesk/internal/protocol"
	"github.com/brightdesk/helpdesk/internal/ratelimit"
	"github.com/brightdesk/helpdesk/internal/relay"
	"github.com/brightdesk/helpdesk/internal/room"
	"github.com/brightdesk/helpdesk/internal/store"
	"github.com/brightdesk/helpdesk/internal/viewer"
	"github.com/brightdesk/helpdesk/internal/ws"
)

// -----------------------------------------------------------------------
// join:conversation — subscribe to a conversation's live stream
// -----------------------------------------------------------------------

// joinConversationAck is the ack payload for join:conversation.
type joinConversationAck struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []store.Message     `json:"messages"`
}

func (g *Gateway) handleJoinConversation(conn *ws.Connection, m protocol.JoinConversationMsg) {
	if m.ConversationID == "" {
		g.nack(conn, m.ID, protocol.CodeInvalidPayload, "conversationId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	conv, err := g.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.nack(conn, m.ID, protocol.CodeNotFound, "conversation not found")
		} else {
			log.Printf("gateway: join conversation %s conn=%s: %v", m.ConversationID, conn.ID, err)
			g.nack(conn, m.ID, protocol.CodeServerError, "failed to load conversation")
		}
		return
	}

	messages, err := g.store.ListRecentMessages(ctx, conv.ID, g.config.HistoryLimit)
	if err != nil {
		log.Printf("gateway: load history for %s conn=%s: %v", conv.ID, conn.ID, err)
		g.nack(conn, m.ID, protocol.CodeServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}

	// A connection tracks activity for one conversation at a time; switching
	// conversations releases the previous registration first.
	if prev := conn.SetActiveConversation(conv.ID); prev != "" && prev != conv.ID {
		g.activity.Remove(prev, conn.ID)
		g.rooms.Leave(conn.ID, room.Conversation(prev))
	}

	g.rooms.Join(conn.ID, room.Conversation(conv.ID))
	g.activity.MarkActive(conv.ID, conn.ID, conn.Identity.Role)

	g.ack(conn, m.ID, joinConversationAck{Conversation: conv, Messages: messages})
	log.Printf("gateway: conn=%s user=%s joined conversation=%s", conn.ID, conn.Identity.ID, conv.ID)
}

// -----------------------------------------------------------------------
// ticket:view / ticket:leave — collaborative-awareness avatars
// -----------------------------------------------------------------------

// ticketViewAck is the ack payload for ticket:view.
type ticketViewAck struct {
	Viewers []protocol.Viewer `json:"viewers"`
}

func (g *Gateway) handleTicketView(conn *ws.Connection, m protocol.TicketViewMsg) {
	if m.TicketID == "" {
		g.nack(conn, m.ID, protocol.CodeInvalidPayload, "ticketId is required")
		return
	}

	// The viewer snapshot defaults to the connection's resolved identity;
	// the client may override the display fields (e.g. a custom avatar).
	v := viewer.Viewer{
		UserID:     m.UserID,
		UserName:   m.UserName,
		UserAvatar: m.UserAvatar,
		JoinedAt:   time.Now(),
	}
	if v.UserID == "" {
		v.UserID = conn.Identity.ID
	}
	if v.UserName == "" {
		v.UserName = conn.Identity.Name
	}

	// One viewed ticket per connection; switching tickets leaves the old one
	// first so its remaining viewers see the departure.
	if prev := conn.SetViewingTicket(m.TicketID); prev != "" && prev != m.TicketID {
		g.leaveTicket(conn, prev)
	}

	current, rejoin := g.viewers.View(m.TicketID, conn.ID, v)
	g.rooms.Join(conn.ID, room.Ticket(m.TicketID))
	metrics.TicketViewers.Set(float64(g.viewers.Count()))

	// A repeated view of the same ticket refreshes the snapshot without
	// announcing the viewer to the room a second time.
	if !rejoin {
		joined, err := protocol.NewServerMessage(protocol.TypeTicketViewerJoined, protocol.TicketViewerJoinedEvent{
			TicketID: m.TicketID,
			Viewer:   toProtocolViewer(v),
		})
		if err != nil {
			log.Printf("gateway: build viewer joined event ticket=%s: %v", m.TicketID, err)
		} else {
			g.rooms.Broadcast(room.Ticket(m.TicketID), joined, conn.ID)
		}
	}

	// The ack carries the full viewer list, caller included, so the client
	// renders initial state without racing the joined broadcast.
	ackViewers := make([]protocol.Viewer, 0, len(current))
	for _, cv := range current {
		ackViewers = append(ackViewers, toProtocolViewer(cv))
	}
	g.ack(conn, m.ID, ticketViewAck{Viewers: ackViewers})
}

func (g *Gateway) handleTicketLeave(conn *ws.Connection, m protocol.TicketLeaveMsg) {
	ticketID := m.TicketID
	if ticketID == "" {
		ticketID = conn.ViewingTicket()
	}
	if ticketID != "" {
		g.leaveTicket(conn, ticketID)
		metrics.TicketViewers.Set(float64(g.viewers.Count()))
	}
	g.ack(conn, m.ID, nil)
}

// leaveTicket removes the connection's viewer entry for a ticket, tells the
// remaining viewers, leaves the room, and clears the connection's stored
// ticket when it still points at this one. Idempotent: a connection that
// never viewed the ticket is a no-op.
func (g *Gateway) leaveTicket(conn *ws.Connection, ticketID string) {
	v, ok := g.viewers.Leave(ticketID, conn.ID)
	if ok {
		left, err := protocol.NewServerMessage(protocol.TypeTicketViewerLeft, protocol.TicketViewerLeftEvent{
			TicketID: ticketID,
			UserID:   v.UserID,
		})
		if err != nil {
			log.Printf("gateway: build viewer left event ticket=%s: %v", ticketID, err)
		} else {
			g.rooms.Broadcast(room.Ticket(ticketID), left, conn.ID)
		}
	}

	g.rooms.Leave(conn.ID, room.Ticket(ticketID))
	if conn.ViewingTicket() == ticketID {
		conn.SetViewingTicket("")
	}
}

// toProtocolViewer converts a tracker snapshot into its wire form.
func toProtocolViewer(v viewer.Viewer) protocol.Viewer {
	return protocol.Viewer{
		UserID:     v.UserID,
		UserName:   v.UserName,
		UserAvatar: v.UserAvatar,
		JoinedAt:   v.JoinedAt.Unix(),
	}
}

// -----------------------------------------------------------------------
// message:send — the relay pipeline
// -----------------------------------------------------------------------

// messageSendAck is the ack payload for message:send.
type messageSendAck struct {
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	Message         *store.Message `json:"message"`
}

func (g *Gateway) handleMessageSend(conn *ws.Connection, m protocol.MessageSendMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if g.limiter != nil {
		allowed, _ := g.limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			g.nack(conn, m.ID, protocol.CodeRateLimited, "too many messages, slow down")
			return
		}
	}

	msg, conv, err := g.relay.Send(ctx, conn.Identity, relay.SendRequest{
		ConversationID:  m.ConversationID,
		ClientMessageID: m.ClientMessageID,
		Content:         m.Content,
		MessageType:     m.MessageType,
		Metadata:        m.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrInvalidPayload):
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			g.nack(conn, m.ID, protocol.CodeInvalidPayload, err.Error())
		case errors.Is(err, store.ErrNotFound):
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			g.nack(conn, m.ID, protocol.CodeNotFound, "conversation not found")
		default:
			log.Printf("gateway: message send conversation=%s conn=%s: %v", m.ConversationID, conn.ID, err)
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			g.nack(conn, m.ID, protocol.CodeServerError, "failed to send message")
		}
		return
	}

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	g.ack(conn, m.ID, messageSendAck{ClientMessageID: m.ClientMessageID, Message: msg})

	// Side effects run after the ack as a detached task. They read only the
	// shared trackers and the pre-send conversation snapshot, never the
	// connection, so a disconnect mid-flight is harmless.
	sender := conn.Identity
	go g.relay.DispatchSideEffects(sender, conv, msg)
}

// -----------------------------------------------------------------------
// typing:start / typing:stop — ephemeral indicator relay
// -----------------------------------------------------------------------

func (g *Gateway) handleTyping(conn *ws.Connection, m protocol.TypingMsg, typing bool) {
	if m.ConversationID == "" {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeTypingUpdate, protocol.TypingUpdateEvent{
		ConversationID: m.ConversationID,
		User: protocol.TypingUser{
			ID:   conn.Identity.ID,
			Name: conn.Identity.Name,
			Role: string(conn.Identity.Role),
		},
		Typing: typing,
	})
	if err != nil {
		log.Printf("gateway: build typing update conversation=%s: %v", m.ConversationID, err)
		return
	}
	g.rooms.Broadcast(room.Conversation(m.ConversationID), data, conn.ID)
}

// -----------------------------------------------------------------------
// presence:update / presence:get
// -----------------------------------------------------------------------

// presenceUpdateAck is the ack payload for presence:update.
type presenceUpdateAck struct {
	PresenceStatus string `json:"presenceStatus"`
	LastSeenAt     *int64 `json:"lastSeenAt"`
}

func (g *Gateway) handlePresenceUpdate(conn *ws.Connection, m protocol.PresenceUpdateMsg) {
	if m.AgentID == "" {
		g.nack(conn, m.ID, protocol.CodeInvalidPayload, "agentId is required")
		return
	}
	if m.PresenceStatus == "" {
		g.nack(conn, m.ID, protocol.CodeInvalidPayload, "presenceStatus is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if g.limiter != nil {
		allowed, _ := g.limiter.Allow(ctx, conn.ID, ratelimit.RulePresence)
		if !allowed {
			g.nack(conn, m.ID, protocol.CodeRateLimited, "too many presence updates")
			return
		}
	}

	status, lastSeen, err := g.presence.SetPresence(ctx, m.AgentID, conn.ID, m.PresenceStatus)
	if err != nil {
		switch {
		case errors.Is(err, presence.ErrInvalidStatus):
			g.nack(conn, m.ID, protocol.CodeInvalidStatus, "unknown presence status")
		case errors.Is(err, presence.ErrAgentNotFound):
			g.nack(conn, m.ID, protocol.CodeNotFound, "agent not found")
		default:
			log.Printf("gateway: presence update agent=%s conn=%s: %v", m.AgentID, conn.ID, err)
			g.nack(conn, m.ID, protocol.CodeServerError, "failed to update presence")
		}
		return
	}

	// Record the agent for disconnect cleanup; a connection reports for one
	// agent at a time, so switching agents releases the old registration.
	if prev := conn.SetPresenceAgent(m.AgentID); prev != "" && prev != m.AgentID {
		if err := g.presence.Disconnect(ctx, prev, conn.ID); err != nil {
			log.Printf("gateway: release previous presence agent=%s conn=%s: %v", prev, conn.ID, err)
		}
	}

	metrics.PresenceUpdatesTotal.WithLabelValues(string(status)).Inc()

	var ts *int64
	if lastSeen != nil {
		v := lastSeen.Unix()
		ts = &v
	}
	g.ack(conn, m.ID, presenceUpdateAck{PresenceStatus: string(status), LastSeenAt: ts})
}

// presenceGetAck is the ack payload for presence:get.
type presenceGetAck struct {
	Presence []presence.AgentPresence `json:"presence"`
}

func (g *Gateway) handlePresenceGet(conn *ws.Connection, m protocol.PresenceGetMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := g.presence.GetPresence(ctx, m.AgentIDs)
	if err != nil {
		log.Printf("gateway: presence get conn=%s: %v", conn.ID, err)
		g.nack(conn, m.ID, protocol.CodeServerError, "failed to load presence")
		return
	}
	if result == nil {
		result = []presence.AgentPresence{}
	}
	g.ack(conn, m.ID, presenceGetAck{Presence: result})
}
