// Package gateway wires the collaboration components together: it dispatches
// parsed client commands to the room registry, presence registry, viewer and
// activity trackers, and the message relay, and it unwinds a connection's
// entire tracker footprint on disconnect.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/brightdesk/helpdesk/internal/activity"
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

// commandTimeout bounds every external call made from a command handler.
const commandTimeout = 5 * time.Second

// DefaultHistoryLimit is the recent-message window returned on
// join:conversation.
const DefaultHistoryLimit = 100

// Store is the persistence surface the gateway and its components consume.
// *store.Store implements it.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgents(ctx context.Context, ids []string) ([]store.Agent, error)
	UpdateAgentPresence(ctx context.Context, agentID string, status string, lastSeenAt *time.Time) error
}

// Config holds gateway-level settings.
type Config struct {
	AppBaseURL   string // deep-link base for notification emails
	HistoryLimit int    // messages returned on join; DefaultHistoryLimit when 0
}

// Gateway owns the shared trackers and the command dispatch path.
type Gateway struct {
	config     Config
	store      Store
	limiter    *ratelimit.Limiter // nil disables rate limiting
	dispatcher relay.Dispatcher

	rooms    *room.Registry
	presence *presence.Registry
	viewers  *viewer.Tracker
	activity *activity.Tracker
	relay    *relay.Relay
}

// New creates a Gateway. Bind must be called with the server's connection
// manager before any command is dispatched.
func New(config Config, st Store, limiter *ratelimit.Limiter, dispatcher relay.Dispatcher) *Gateway {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	return &Gateway{
		config:     config,
		store:      st,
		limiter:    limiter,
		dispatcher: dispatcher,
		viewers:    viewer.NewTracker(),
		activity:   activity.NewTracker(),
	}
}

// Bind attaches the gateway to the connection manager that delivers frames.
// The manager is created by the WebSocket server, which in turn needs the
// gateway's HandleMessage callback, hence the two-step initialization.
func (g *Gateway) Bind(conns *ws.ConnectionManager) {
	g.rooms = room.NewRegistry(conns)
	g.presence = presence.NewRegistry(g.store, conns)
	g.relay = relay.New(g.store, g.rooms, g.activity, g.dispatcher, g.config.AppBaseURL)
}

// HandleMessage is the server's onMessage callback. It parses the raw frame
// into a typed command and dispatches it through a switch over the closed
// command set; an unhandled protocol type is a compile-visible gap here
// rather than a missing map entry at runtime.
func (g *Gateway) HandleMessage(conn *ws.Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("gateway: parse error conn=%s: %v", conn.ID, err)
		g.sendError(conn, protocol.CodeInvalidPayload, "invalid message format")
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		g.sendPong(conn)
	case protocol.JoinConversationMsg:
		g.handleJoinConversation(conn, m)
	case protocol.TicketViewMsg:
		g.handleTicketView(conn, m)
	case protocol.TicketLeaveMsg:
		g.handleTicketLeave(conn, m)
	case protocol.MessageSendMsg:
		g.handleMessageSend(conn, m)
	case protocol.TypingMsg:
		g.handleTyping(conn, m, msgType == protocol.TypeTypingStart)
	case protocol.PresenceUpdateMsg:
		g.handlePresenceUpdate(conn, m)
	case protocol.PresenceGetMsg:
		g.handlePresenceGet(conn, m)
	default:
		log.Printf("gateway: unsupported message type=%q conn=%s", msgType, conn.ID)
		g.sendError(conn, protocol.CodeInvalidPayload, "unsupported message type")
	}
}

// HandleDisconnect is the server's onDisconnect callback. It unwinds every
// tracker registration recorded on the connection. Each step is keyed off a
// field stored on the connection, is a no-op when that field was never set,
// and is isolated from the others: a panic or error cleaning up one tracker
// must not prevent the remaining trackers from being cleaned.
func (g *Gateway) HandleDisconnect(conn *ws.Connection) {
	cleanupStep("presence", func() {
		if agentID := conn.PresenceAgent(); agentID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := g.presence.Disconnect(ctx, agentID, conn.ID); err != nil {
				log.Printf("gateway: presence cleanup conn=%s agent=%s: %v", conn.ID, agentID, err)
			}
		}
	})

	cleanupStep("viewer", func() {
		if ticketID := conn.ViewingTicket(); ticketID != "" {
			g.leaveTicket(conn, ticketID)
		}
	})

	cleanupStep("activity", func() {
		if conversationID := conn.ActiveConversation(); conversationID != "" {
			g.activity.Remove(conversationID, conn.ID)
		}
	})

	cleanupStep("rooms", func() {
		g.rooms.LeaveAll(conn.ID)
	})

	metrics.TicketViewers.Set(float64(g.viewers.Count()))
}

// cleanupStep runs one disconnect-cleanup step, containing panics so a
// failing tracker cannot abort the teardown of the others.
func cleanupStep(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("gateway: %s cleanup panicked: %v", name, r)
		}
	}()
	fn()
}

// ack sends a successful acknowledgement for a command.
func (g *Gateway) ack(conn *ws.Connection, id string, payload interface{}) {
	data, err := protocol.NewAck(id, payload)
	if err != nil {
		log.Printf("gateway: failed to build ack conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send ack conn=%s: %v", conn.ID, err)
	}
}

// nack sends a failed acknowledgement carrying an error code.
func (g *Gateway) nack(conn *ws.Connection, id string, code string, message string) {
	data, err := protocol.NewErrorAck(id, code, message)
	if err != nil {
		log.Printf("gateway: failed to build error ack conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send error ack conn=%s: %v", conn.ID, err)
	}
}

// sendError sends a connection-level error not tied to a command ack.
func (g *Gateway) sendError(conn *ws.Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("gateway: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping and refreshes the connection's activity
// timestamp.
func (g *Gateway) sendPong(conn *ws.Connection) {
	conn.TouchPing()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("gateway: failed to build pong conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send pong conn=%s: %v", conn.ID, err)
	}
}
