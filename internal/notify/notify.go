// Package notify tells operators about sync events that need attention.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"boardsync/internal/models"
)

// Event types.
const (
	EventConflictDetected = "conflict.detected"
	EventQueueItemFailed  = "queue.item_failed"
)

// Event is the JSON body published for an operator notification.
type Event struct {
	Type        string            `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	EntityType  models.EntityType `json:"entity_type"`
	EntityID    uint              `json:"entity_id"`
	ExternalID  string            `json:"external_id,omitempty"`
	ConflictID  uint              `json:"conflict_id,omitempty"`
	QueueItemID uint              `json:"queue_item_id,omitempty"`
	Fields      []string          `json:"fields,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Notifier delivers events. Implementations must not block sync work on
// delivery failures; they log and move on.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitPublisher publishes events to one durable queue per event type,
// named <prefix>_<event type>.
type RabbitPublisher struct {
	conn   *amqp091.Connection
	ch     channel
	prefix string

	mu       sync.Mutex
	declared map[string]bool
}

// DialRabbit connects to the broker and opens a channel.
func DialRabbit(url, prefix string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	p := newRabbitPublisher(ch, prefix)
	p.conn = conn
	log.Info().Str("prefix", p.prefix).Msg("RabbitMQ connection established")
	return p, nil
}

func newRabbitPublisher(ch channel, prefix string) *RabbitPublisher {
	if prefix == "" {
		prefix = "boardsync"
	}
	return &RabbitPublisher{ch: ch, prefix: prefix, declared: make(map[string]bool)}
}

// QueueName returns the queue an event type is published to.
func (p *RabbitPublisher) QueueName(eventType string) string {
	return p.prefix + "_" + strings.ReplaceAll(strings.ToLower(eventType), ".", "_")
}

// Notify publishes ev. Failures are logged, never returned.
func (p *RabbitPublisher) Notify(ctx context.Context, ev Event) {
	if err := p.publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("eventType", ev.Type).Msg("Failed to publish to RabbitMQ")
	}
}

func (p *RabbitPublisher) publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	queueName := p.QueueName(ev.Type)

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queueName] {
		if _, err := p.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("could not declare queue %s: %w", queueName, err)
		}
		p.declared[queueName] = true
	}

	err = p.ch.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("could not publish to %s: %w", queueName, err)
	}
	log.Debug().Str("queue", queueName).Str("eventType", ev.Type).Msg("Published message to RabbitMQ")
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.ch != nil {
		firstErr = p.ch.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
