// Package messaging provides the NATS client the gateway uses to reach its
// out-of-process collaborators: the TAT-metrics worker and the email
// notification dispatcher. The gateway only publishes; the workers own the
// metric formulas and the email contents.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects consumed by the external workers.
const (
	SubjectTATUpdate       = "tat.update"
	SubjectFirstResponse   = "notify.first_response"
	SubjectAgentReplied    = "notify.agent_reply"
	SubjectCustomerReplied = "notify.customer_reply"
)

// TATUpdate asks the metrics worker to recompute turnaround metrics for a
// conversation after a qualifying agent reply.
type TATUpdate struct {
	ConversationID string `json:"conversationId"`
}

// Notification is the payload for all three notification kinds. The subject
// it is published on selects the template.
type Notification struct {
	TicketID       string `json:"ticketId"`
	TicketSubject  string `json:"ticketSubject"`
	RecipientEmail string `json:"recipientEmail"`
	RecipientName  string `json:"recipientName,omitempty"`
	SenderName     string `json:"senderName"`
	Content        string `json:"content"`
	Link           string `json:"link"`
}

// NATSClient wraps the NATS connection with one publish helper per subject.
type NATSClient struct {
	conn *nats.Conn
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "helpdesk-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{conn: nc}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// publishJSON marshals a payload and publishes it.
func (c *NATSClient) publishJSON(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// PublishTATUpdate asks the metrics worker to update turnaround metrics for a
// conversation.
func (c *NATSClient) PublishTATUpdate(conversationID string) error {
	return c.publishJSON(SubjectTATUpdate, TATUpdate{ConversationID: conversationID})
}

// PublishFirstResponse dispatches a "first agent response" notification.
func (c *NATSClient) PublishFirstResponse(n Notification) error {
	return c.publishJSON(SubjectFirstResponse, n)
}

// PublishAgentReplied dispatches an "agent replied while the customer was
// away" notification.
func (c *NATSClient) PublishAgentReplied(n Notification) error {
	return c.publishJSON(SubjectAgentReplied, n)
}

// PublishCustomerReplied dispatches a "customer replied while the assigned
// agent was away" notification.
func (c *NATSClient) PublishCustomerReplied(n Notification) error {
	return c.publishJSON(SubjectCustomerReplied, n)
}

// Close drains the connection so in-flight publishes flush before shutdown.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
