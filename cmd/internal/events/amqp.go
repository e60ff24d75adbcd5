package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chatcore/cmd/internal/chat"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "chat.events"

	maxDialDelay = time.Minute
)

// DialOptions controls DialAMQP's retry loop.
type DialOptions struct {
	URL      string
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// DialAMQP connects to RabbitMQ with exponential backoff, giving up after opts.Attempts
// or when ctx ends.
func DialAMQP(ctx context.Context, opts DialOptions) (*amqp.Connection, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("events: empty amqp url")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var lastErr error
	delay := opts.Delay
	for i := 1; i <= opts.Attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("amqp.connect", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.Attempts {
			break
		}

		opts.Logger.Warn("amqp.dial.fail", "attempt", i, "sleep", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial amqp: %w", ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxDialDelay)
	}
	return nil, fmt.Errorf("dial amqp after %d attempts: %w", opts.Attempts, lastErr)
}

// AMQPPublisher implements chat.EventPublisher over a durable topic exchange.
// Each publish uses its own confirm-mode channel and waits for the broker ack.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	producer string
	log      *slog.Logger
}

// NewAMQPPublisher declares the exchange and returns a publisher. The connection
// belongs to the publisher from here on; Close closes it.
func NewAMQPPublisher(conn *amqp.Connection, exchange, producer string, log *slog.Logger) (*AMQPPublisher, error) {
	if conn == nil {
		return nil, errors.New("events: nil amqp connection")
	}
	if log == nil {
		log = slog.Default()
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, exchange: exchange, producer: producer, log: log}, nil
}

// PublishEvent publishes ev persistently under its routing key.
func (p *AMQPPublisher) PublishEvent(ctx context.Context, ev chat.Event) error {
	env := NewEnvelope(ev, p.producer)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		Body:         body,
	}
	if env.Meta.CorrelationID != nil {
		msg.CorrelationId = *env.Meta.CorrelationID
	}
	if p.producer != "" {
		msg.AppId = p.producer
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, env.Meta.Type, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Meta.Type, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", env.Meta.Type, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked", env.Meta.Type)
	}

	p.log.Debug("events.published", "key", env.Meta.Type, "exchange", p.exchange, "event_id", env.Meta.ID)
	return nil
}

// Close closes the underlying connection.
func (p *AMQPPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}
