// Package protocol defines the WebSocket message types and structures used for
// communication between help-desk clients and the collaboration gateway. All
// messages are serialized as JSON and follow a consistent envelope format with
// a type discriminator. Commands that expect a response carry an "id" field
// that is echoed back on the matching ack.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server command types.
const (
	TypeJoinConversation = "join:conversation"
	TypeTicketView       = "ticket:view"
	TypeTicketLeave      = "ticket:leave"
	TypeMessageSend      = "message:send"
	TypeTypingStart      = "typing:start"
	TypeTypingStop       = "typing:stop"
	TypePresenceUpdate   = "presence:update"
	TypePresenceGet      = "presence:get"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeConnected           = "connected"
	TypeAck                 = "ack"
	TypeMessageNew          = "message:new"
	TypeTypingUpdate        = "typing:update"
	TypeTicketViewerJoined  = "ticket:viewer:joined"
	TypeTicketViewerLeft    = "ticket:viewer:left"
	TypeAgentPresenceUpdate = "agent:presence:update"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes returned on failed acks.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeNotFound       = "not_found"
	CodeInvalidStatus  = "invalid_status"
	CodeRateLimited    = "rate_limited"
	CodeServerError    = "server_error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server command structs
// ---------------------------------------------------------------------------

// JoinConversationMsg subscribes the connection to a conversation's live
// message stream and returns the recent history.
type JoinConversationMsg struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
}

// TicketViewMsg marks the connection as viewing a ticket's detail screen.
// The user fields default to the connection's resolved identity when omitted.
type TicketViewMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	TicketID   string `json:"ticketId"`
	UserID     string `json:"userId,omitempty"`
	UserName   string `json:"userName,omitempty"`
	UserAvatar string `json:"userAvatar,omitempty"`
}

// TicketLeaveMsg clears the connection's viewing state for a ticket. When
// TicketID is empty the ticket recorded on the connection is used.
type TicketLeaveMsg struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	TicketID string `json:"ticketId,omitempty"`
}

// MessageSendMsg submits a new chat message for a conversation. The envelope
// "type" field is the command discriminator, so the message's own content
// type travels as "messageType".
type MessageSendMsg struct {
	Type            string          `json:"type"`
	ID              string          `json:"id,omitempty"`
	ConversationID  string          `json:"conversationId"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	Content         string          `json:"content"`
	MessageType     string          `json:"messageType,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// TypingMsg signals that the caller started or stopped typing in a
// conversation. Used for both typing:start and typing:stop.
type TypingMsg struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
}

// PresenceUpdateMsg sets an agent's availability status.
type PresenceUpdateMsg struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	AgentID        string `json:"agentId"`
	PresenceStatus string `json:"presenceStatus"`
}

// PresenceGetMsg requests the current presence of a set of agents.
type PresenceGetMsg struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	AgentIDs []string `json:"agentIds"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after a successful upgrade so the client learns
// its connection id and resolved identity.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserRole     string `json:"userRole"`
	UserName     string `json:"userName"`
}

// Viewer is a viewer-identity snapshot carried by ticket viewer events and
// the ticket:view ack.
type Viewer struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	UserAvatar string `json:"userAvatar,omitempty"`
	JoinedAt   int64  `json:"joinedAt"`
}

// TicketViewerJoinedEvent announces a new viewer on a ticket to everyone
// already viewing it.
type TicketViewerJoinedEvent struct {
	Type     string `json:"type"`
	TicketID string `json:"ticketId"`
	Viewer   Viewer `json:"viewer"`
}

// TicketViewerLeftEvent announces that a viewer stopped looking at a ticket.
type TicketViewerLeftEvent struct {
	Type     string `json:"type"`
	TicketID string `json:"ticketId"`
	UserID   string `json:"userId"`
}

// TypingUser identifies who is typing in a TypingUpdateEvent.
type TypingUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// TypingUpdateEvent relays a typing indicator to the other members of a
// conversation room.
type TypingUpdateEvent struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversationId"`
	User           TypingUser `json:"user"`
	Typing         bool       `json:"typing"`
}

// MessageNewEvent carries a freshly persisted message to a conversation room.
// The Message field holds the canonical stored record.
type MessageNewEvent struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversationId"`
	Message        interface{} `json:"message"`
}

// AgentPresenceUpdateEvent announces an agent's status change to every
// connection. LastSeenAt is nil when the agent has no fresh liveness stamp.
type AgentPresenceUpdateEvent struct {
	Type           string `json:"type"`
	AgentID        string `json:"agentId"`
	PresenceStatus string `json:"presenceStatus"`
	LastSeenAt     *int64 `json:"lastSeenAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// ErrorMsg is sent by the server to communicate a connection-level error that
// is not tied to a specific command (parse failures, unknown types).
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client command.
// It returns the command type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTicketView:
		var m TicketViewMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTicketLeave:
		var m TicketLeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSend:
		var m MessageSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceUpdate:
		var m PresenceUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceGet:
		var m PresenceGetMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the *Event or *Msg structs above; this function marshals
// it to JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewAck builds a successful command acknowledgement. The payload's fields
// are merged into the ack object alongside the correlation id and
// success flag, so a {conversation, messages} payload acks as
// {"type":"ack","id":...,"success":true,"conversation":...,"messages":...}.
func NewAck(id string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal ack payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal ack payload into map: %w", err)
		}
	}

	m["type"] = TypeAck
	m["success"] = true
	if id != "" {
		m["id"] = id
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal ack: %w", err)
	}
	return out, nil
}

// NewErrorAck builds a failed command acknowledgement carrying one of the
// Code* constants and a human-readable message.
func NewErrorAck(id string, code string, message string) ([]byte, error) {
	m := map[string]interface{}{
		"type":    TypeAck,
		"success": false,
		"code":    code,
		"message": message,
	}
	if id != "" {
		m["id"] = id
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal error ack: %w", err)
	}
	return out, nil
}
