package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes events to a durable topic exchange, routed by
// event type.
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	log      logrus.FieldLogger

	mu       sync.Mutex
	declared bool
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// DialRabbit connects to amqpURL and opens a channel.
func DialRabbit(amqpURL, exchange string, log logrus.FieldLogger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	p := newRabbitPublisher(ch, exchange, log)
	p.conn = conn
	return p, nil
}

func newRabbitPublisher(ch channel, exchange string, log logrus.FieldLogger) *RabbitPublisher {
	return &RabbitPublisher{ch: ch, exchange: exchange, log: log}
}

// Notify publishes e as persistent JSON with routing key e.Type.
func (p *RabbitPublisher) Notify(ctx context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
		}
		p.declared = true
	}

	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.TransactionID + ":" + e.Type,
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}

	p.log.WithFields(logrus.Fields{"event": e.Type, "tx_id": e.TransactionID}).Debug("published wallet event")
	return nil
}

// Close closes the channel and connection.
func (p *RabbitPublisher) Close() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
