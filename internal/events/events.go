package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const QueueName = "generation_events"

// Event types emitted over the request lifecycle.
const (
	TypeRequestSubmitted  = "request_submitted"
	TypeRequestDispatched = "request_dispatched"
	TypeRequestCompleted  = "request_completed"
	TypeRequestFailed     = "request_failed"
	TypeRequestCancelled  = "request_cancelled"
)

// LifecycleEvent is the audit/usage record published for every request
// transition. The audit worker drains these into the audit_log table.
type LifecycleEvent struct {
	RequestID  uuid.UUID `json:"request_id"`
	UserID     string    `json:"user_id"`
	EventType  string    `json:"event_type"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewClient creates a new RabbitMQ client and declares the queue
func NewClient(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare queue with durable flag
	_, err = ch.QueueDeclare(
		QueueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	log.Printf("RabbitMQ client initialized successfully with queue: %s", QueueName)

	return &Client{
		conn:    conn,
		channel: ch,
	}, nil
}

// Publish sends a lifecycle event to the queue. Publishing is best effort
// from the orchestrator's point of view; callers log and continue on error.
func (c *Client) Publish(ev LifecycleEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = c.channel.Publish(
		"",        // exchange
		QueueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Consume starts delivering events from the queue
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	msgs, err := c.channel.Consume(
		QueueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return msgs, nil
}

// Close closes the channel and connection
func (c *Client) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			log.Printf("Error closing channel: %v", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Printf("Error closing connection: %v", err)
		}
	}
	return nil
}

// Publisher is the narrow interface the orchestrator depends on.
type Publisher interface {
	Publish(ev LifecycleEvent) error
}

// NopPublisher discards events. Used in tests and when the queue is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(LifecycleEvent) error { return nil }

var _ Publisher = (*Client)(nil)

// Emit publishes an event and logs on failure instead of propagating it;
// audit events never block or fail the request path.
func Emit(_ context.Context, p Publisher, ev LifecycleEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ev); err != nil {
		log.Printf("Warning: failed to publish %s event for request %s: %v", ev.EventType, ev.RequestID, err)
	}
}
