// Package store provides PostgreSQL-backed persistence for the entities the
// gateway touches: conversations, their messages, and agent records. The
// REST/dashboard surface owns the full schema; the gateway only reads
// conversations, appends messages, and mirrors agent presence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a referenced conversation or agent does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Sender types recorded on persisted messages.
const (
	SenderTypeAgent    = "agent"
	SenderTypeCustomer = "customer"
)

// DefaultMessageType is used when the client does not specify a content type.
const DefaultMessageType = "text"

// Conversation is the persisted thread of messages tied to a support ticket.
type Conversation struct {
	ID            string `json:"id"`
	TicketID      string `json:"ticketId"`
	Subject       string `json:"subject"`
	CustomerID    string `json:"customerId"`
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	AssignedAgent string `json:"assignedAgentId,omitempty"`

	// First-response TAT markers. Both are nil until the first agent reply
	// has been recorded by the metrics worker.
	FirstResponseAt  *time.Time `json:"firstResponseAt,omitempty"`
	FirstResponseSec *int       `json:"firstResponseSeconds,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single persisted chat message.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderType     string          `json:"senderType"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Agent is the persisted agent record, including the mirrored presence state.
type Agent struct {
	ID             string     `json:"id"`
	Slug           string     `json:"slug"`
	Name           string     `json:"name"`
	Email          string     `json:"email,omitempty"`
	PresenceStatus string     `json:"presenceStatus"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL, verifies the connection, and returns a Store.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetConversation fetches a conversation by id. Returns ErrNotFound when the
// id does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, ticket_id, subject, customer_id, customer_name,
		       COALESCE(customer_email, ''), COALESCE(assigned_agent_id, ''),
		       first_response_at, first_response_seconds, created_at
		FROM conversations
		WHERE id = $1`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.TicketID, &c.Subject, &c.CustomerID, &c.CustomerName,
		&c.CustomerEmail, &c.AssignedAgent,
		&c.FirstResponseAt, &c.FirstResponseSec, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation %s: %w", id, err)
	}
	return &c, nil
}

// CreateMessage persists a new message and returns the canonical stored
// record with its server-assigned id and timestamp.
func (s *Store) CreateMessage(ctx context.Context, m *Message) (*Message, error) {
	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, sender_type, content, type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	stored := *m
	stored.ID = uuid.New().String()
	if stored.Type == "" {
		stored.Type = DefaultMessageType
	}

	var metadata interface{}
	if len(stored.Metadata) > 0 {
		metadata = []byte(stored.Metadata)
	}

	err := s.db.QueryRowContext(ctx, query,
		stored.ID, stored.ConversationID, stored.SenderID, stored.SenderType,
		stored.Content, stored.Type, metadata,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	return &stored, nil
}

// ListRecentMessages returns the most recent limit messages of a conversation
// in chronological order (oldest first).
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, sender_type, content, type, metadata, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderType,
			&m.Content, &m.Type, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if len(metadata) > 0 {
			m.Metadata = json.RawMessage(metadata)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages for %s: %w", conversationID, err)
	}

	// Rows arrive newest-first; reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetAgent fetches an agent by id. Returns ErrNotFound when the id does not
// exist.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	const query = `
		SELECT id, slug, name, COALESCE(email, ''), presence_status, last_seen_at
		FROM agents
		WHERE id = $1`

	var a Agent
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Slug, &a.Name, &a.Email, &a.PresenceStatus, &a.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	return &a, nil
}

// GetAgents fetches multiple agents by id. Unknown ids are silently skipped;
// callers that need per-id existence use GetAgent.
func (s *Store) GetAgents(ctx context.Context, ids []string) ([]Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const query = `
		SELECT id, slug, name, COALESCE(email, ''), presence_status, last_seen_at
		FROM agents
		WHERE id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: get agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Slug, &a.Name, &a.Email, &a.PresenceStatus, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentPresence mirrors an agent's in-memory presence to the database.
// lastSeenAt is only written when non-nil, preserving the previous stamp for
// statuses that do not refresh liveness.
func (s *Store) UpdateAgentPresence(ctx context.Context, agentID string, status string, lastSeenAt *time.Time) error {
	var err error
	if lastSeenAt != nil {
		const query = `UPDATE agents SET presence_status = $2, last_seen_at = $3 WHERE id = $1`
		_, err = s.db.ExecContext(ctx, query, agentID, status, *lastSeenAt)
	} else {
		const query = `UPDATE agents SET presence_status = $2 WHERE id = $1`
		_, err = s.db.ExecContext(ctx, query, agentID, status)
	}
	if err != nil {
		return fmt.Errorf("store: update agent presence %s: %w", agentID, err)
	}
	return nil
}
