package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publisher is the subset of *amqp.Channel used for publishing.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPEmitter publishes events as JSON to a topic exchange, routed by event
// type. Publish failures are logged and dropped.
type AMQPEmitter struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       publisher
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
}

// AMQPOption configures the AMQPEmitter.
type AMQPOption func(*AMQPEmitter)

// WithAMQPLogger sets the logger for publish failures.
func WithAMQPLogger(logger *slog.Logger) AMQPOption {
	return func(e *AMQPEmitter) {
		e.logger = logger
	}
}

// WithPublishTimeout bounds each publish.
func WithPublishTimeout(d time.Duration) AMQPOption {
	return func(e *AMQPEmitter) {
		e.timeout = d
	}
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange string, opts ...AMQPOption) (*AMQPEmitter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	e := newAMQPEmitter(ch, exchange, opts...)
	e.conn = conn
	return e, nil
}

func newAMQPEmitter(ch publisher, exchange string, opts ...AMQPOption) *AMQPEmitter {
	e := &AMQPEmitter{
		ch:       ch,
		exchange: exchange,
		timeout:  2 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *AMQPEmitter) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to encode security event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	// Channels are not safe for concurrent publishing.
	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.ch.PublishWithContext(ctx, e.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Time,
		Type:         string(event.Type),
		Body:         body,
	})
	if err != nil {
		e.logger.Error("failed to publish security event", "event", event.Type, "error", err)
	}
}

// Close closes the channel and connection.
func (e *AMQPEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.ch.Close()
	if e.conn != nil {
		if cerr := e.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
