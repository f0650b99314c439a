// Package notify publishes state-transition events for external
// consumers (notification service, dashboards). Delivery is best-effort:
// a lost notification never rolls back ledger state, so Publish returns
// nothing and failures are only logged.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/config"
)

const (
	EventSettlementConfirmed = "settlement.confirmed"
	EventSettlementFailed    = "settlement.failed"
	EventMatchUnsettleable   = "match.unsettleable"
	EventMintCompleted       = "mint.completed"
	EventMintFailed          = "mint.failed"
	EventEscrowRefunded      = "escrow.refunded"
)

// Notifier is what the pipeline components depend on. Nil-safe via
// NopNotifier in tests.
type Notifier interface {
	Publish(ctx context.Context, event string, entityID uuid.UUID, amount decimal.Decimal)
}

type message struct {
	Event     string          `json:"event"`
	EntityID  uuid.UUID       `json:"entity_id"`
	Amount    decimal.Decimal `json:"amount"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Publisher emits events to a RabbitMQ topic exchange, one routing key
// per event kind.
type Publisher struct {
	cfg config.RabbitConfig
	log *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewPublisher(cfg config.RabbitConfig, log *logrus.Logger) (*Publisher, error) {
	p := &Publisher{cfg: cfg, log: log}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return p, nil
}

func (p *Publisher) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		p.cfg.User, p.cfg.Password, p.cfg.Host, p.cfg.Port, p.cfg.VHost)

	conn, err := amqp.Dial(dsn)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.cfg.NotifyExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"host":     p.cfg.Host,
		"exchange": p.cfg.NotifyExchange,
	}).Info("notification publisher connected")

	return nil
}

// Publish emits one event. Errors are swallowed after logging; the caller
// must never depend on delivery.
func (p *Publisher) Publish(ctx context.Context, event string, entityID uuid.UUID, amount decimal.Decimal) {
	body, err := json.Marshal(message{
		Event:     event,
		EntityID:  entityID,
		Amount:    amount,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		p.log.WithError(err).Warn("failed to marshal notification")
		return
	}

	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()

	if ch == nil {
		p.log.WithField("event", event).Warn("notification channel not available, dropping event")
		return
	}

	err = ch.PublishWithContext(ctx,
		p.cfg.NotifyExchange,
		event, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"event":     event,
			"entity_id": entityID,
		}).Warn("failed to publish notification")
		return
	}

	p.log.WithFields(logrus.Fields{
		"event":     event,
		"entity_id": entityID,
	}).Debug("notification published")
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, uuid.UUID, decimal.Decimal) {}
