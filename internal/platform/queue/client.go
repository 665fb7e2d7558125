package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dontdude/rabbitq/internal/config"
	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

// Channel is the subset of *amqp.Channel the adapter uses.
// A Channel must not be used from more than one goroutine at a time.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Connection owns one AMQP connection. Channels are opened per goroutine.
type Connection struct {
	conn *amqp.Connection
}

// Connect dials the broker described by cfg.
func Connect(cfg config.AMQP) (*Connection, error) {
	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s:%d: %w", domain.ErrConnection, cfg.Host, cfg.Port, err)
	}
	return &Connection{conn: conn}, nil
}

// Channel opens a new broker channel on the connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", domain.ErrConnection, err)
	}
	return ch, nil
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Properties are the per-message publish options.
type Properties struct {
	Persistent bool
	// Expiration is the per-message TTL. Zero means none.
	Expiration time.Duration
	MessageID  string
	Headers    amqp.Table
}

// RawMessage is one fetched delivery.
type RawMessage struct {
	Body        []byte
	DeliveryTag uint64
	MessageID   string
	Redelivered bool
}

// Client is a thin wrapper over one broker channel.
// Declarations are remembered so repeated declares cost no round trip.
type Client struct {
	ch     Channel
	logger *slog.Logger

	queues    map[string]bool // name -> durable
	exchanges map[string]string
	bindings  map[string]struct{}
}

// NewClient wraps ch. It takes ownership of ch and closes it on Close.
func NewClient(ch Channel, logger *slog.Logger) *Client {
	return &Client{
		ch:        ch,
		logger:    logging.OrDiscard(logger),
		queues:    make(map[string]bool),
		exchanges: make(map[string]string),
		bindings:  make(map[string]struct{}),
	}
}

// DeclareQueue declares a plain queue. Redeclaring with the same durability is a no-op;
// redeclaring with a different durability fails with domain.ErrDurabilityConflict.
func (c *Client) DeclareQueue(name string, durable bool) error {
	if name == "" {
		return domain.ErrEmptyQueueName
	}
	if d, ok := c.queues[name]; ok {
		if d != durable {
			return fmt.Errorf("%w: %q", domain.ErrDurabilityConflict, name)
		}
		return nil
	}
	if _, err := c.ch.QueueDeclare(name, durable, false, false, false, nil); err != nil {
		return c.brokerErr(fmt.Sprintf("declare queue %q", name), err)
	}
	c.queues[name] = durable
	c.logger.Debug("Declared queue", "queue", name, "durable", durable)
	return nil
}

// DeclareTransientQueue declares a queue with arguments and does not remember it.
// It is used for uniquely named queues that are declared exactly once.
func (c *Client) DeclareTransientQueue(name string, durable bool, args amqp.Table) error {
	if _, err := c.ch.QueueDeclare(name, durable, false, false, false, args); err != nil {
		return c.brokerErr(fmt.Sprintf("declare queue %q", name), err)
	}
	return nil
}

// DeclareDeadLetterExchange declares the exchange delayed queues dead-letter into.
func (c *Client) DeclareDeadLetterExchange(name, kind string, durable bool) error {
	if k, ok := c.exchanges[name]; ok && k == kind {
		return nil
	}
	if err := c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return c.brokerErr(fmt.Sprintf("declare exchange %q", name), err)
	}
	c.exchanges[name] = kind
	c.logger.Debug("Declared exchange", "exchange", name, "kind", kind)
	return nil
}

// BindQueue routes messages published to exchange with routing key key into queue.
func (c *Client) BindQueue(queue, key, exchange string) error {
	id := exchange + "\x00" + key + "\x00" + queue
	if _, ok := c.bindings[id]; ok {
		return nil
	}
	if err := c.ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return c.brokerErr(fmt.Sprintf("bind queue %q to %q", queue, exchange), err)
	}
	c.bindings[id] = struct{}{}
	return nil
}

// Publish sends body to exchange with routing key key. The empty exchange
// routes directly to the queue named by key.
func (c *Client) Publish(ctx context.Context, exchange, key string, body []byte, props Properties) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    props.MessageID,
		Timestamp:    time.Now(),
		Headers:      props.Headers,
		Body:         body,
	}
	if props.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if props.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(expirationMillis(props.Expiration), 10)
	}
	if c.ch.IsClosed() {
		return fmt.Errorf("%w: %w: channel closed", domain.ErrPublish, domain.ErrConnection)
	}
	if err := c.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		if isConnErr(err) {
			return fmt.Errorf("%w: %w: %w", domain.ErrPublish, domain.ErrConnection, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrPublish, err)
	}
	return nil
}

// FetchOne pops a single message without blocking. It returns nil when the queue is empty.
func (c *Client) FetchOne(queue string) (*RawMessage, error) {
	d, ok, err := c.ch.Get(queue, false)
	if err != nil {
		return nil, c.brokerErr(fmt.Sprintf("get from %q", queue), err)
	}
	if !ok {
		return nil, nil
	}
	return &RawMessage{
		Body:        d.Body,
		DeliveryTag: d.DeliveryTag,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
	}, nil
}

// Ack removes a delivered message permanently. Each tag must be acked at most once.
func (c *Client) Ack(tag uint64) error {
	if err := c.ch.Ack(tag, false); err != nil {
		return c.brokerErr(fmt.Sprintf("ack %d", tag), err)
	}
	return nil
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

func (c *Client) brokerErr(op string, err error) error {
	if isConnErr(err) {
		return fmt.Errorf("%w: %s: %w", domain.ErrConnection, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnErr(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced || amqpErr.Code == amqp.FrameError
	}
	return false
}

// expirationMillis rounds d up to whole milliseconds.
func expirationMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if time.Duration(ms)*time.Millisecond < d {
		ms++
	}
	return ms
}
