package queue

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory AMQP broker with a manual clock. It models
// per-message TTL, dead-lettering and x-expires closely enough to exercise
// delayed delivery without a server.
type fakeBroker struct {
	mu        sync.Mutex
	now       time.Time
	queues    map[string]*fakeQueue
	exchanges map[string]string
	bindings  map[string]map[string]string
	nextTag   uint64
	unacked   map[uint64]fakeDelivery

	queueDeclares int
	failPublish   error
}

type fakeQueue struct {
	durable  bool
	args     amqp.Table
	msgs     []fakeMsg
	lastUsed time.Time
}

type fakeMsg struct {
	pub         amqp.Publishing
	queuedAt    time.Time
	redelivered bool
}

// fakeDelivery is an unacked message and the channel it was delivered on.
type fakeDelivery struct {
	msg   fakeMsg
	queue string
	ch    *fakeChannel
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		now:       time.Unix(1_700_000_000, 0),
		queues:    make(map[string]*fakeQueue),
		exchanges: make(map[string]string),
		bindings:  make(map[string]map[string]string),
		unacked:   make(map[uint64]fakeDelivery),
	}
}

func (b *fakeBroker) channel() *fakeChannel { return &fakeChannel{b: b} }

// advance moves the clock forward and runs expiry.
func (b *fakeBroker) advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = b.now.Add(d)
	b.expireLocked()
}

func (b *fakeBroker) setPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = err
}

func (b *fakeBroker) depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(q.msgs)
}

func (b *fakeBroker) hasQueue(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queue]
	return ok
}

func (b *fakeBroker) queueArgs(queue string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.args
	}
	return nil
}

func (b *fakeBroker) queueDurable(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	return ok && q.durable
}

func (b *fakeBroker) queuesWithPrefix(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.queues {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (b *fakeBroker) messages(queue string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.pub
	}
	return out
}

func (b *fakeBroker) pendingAcks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

func (b *fakeBroker) declareCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueDeclares
}

// routeLocked delivers pub through exchange with routing key key.
// Unroutable messages are dropped, as the broker does.
func (b *fakeBroker) routeLocked(exchange, key string, m fakeMsg) {
	target := key
	if exchange != "" {
		var ok bool
		target, ok = b.bindings[exchange][key]
		if !ok {
			return
		}
	}
	q, ok := b.queues[target]
	if !ok {
		return
	}
	q.msgs = append(q.msgs, m)
}

// expireLocked dead-letters messages whose TTL has elapsed at the head of
// their queue, then deletes queues idle for longer than x-expires.
func (b *fakeBroker) expireLocked() {
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		q := b.queues[name]
		for len(q.msgs) > 0 {
			head := q.msgs[0]
			if head.pub.Expiration == "" {
				break
			}
			ttl, err := strconv.ParseInt(head.pub.Expiration, 10, 64)
			if err != nil {
				break
			}
			expiresAt := head.queuedAt.Add(time.Duration(ttl) * time.Millisecond)
			if expiresAt.After(b.now) {
				break
			}
			q.msgs = q.msgs[1:]
			dlx, ok := q.args["x-dead-letter-exchange"].(string)
			if !ok {
				continue
			}
			key := name
			if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
				key = k
			}
			dead := head
			dead.pub.Expiration = ""
			dead.queuedAt = expiresAt
			b.routeLocked(dlx, key, dead)
		}
	}

	for _, name := range names {
		q := b.queues[name]
		ttl, ok := q.args["x-expires"].(int64)
		if !ok {
			continue
		}
		if !b.now.Before(q.lastUsed.Add(time.Duration(ttl) * time.Millisecond)) {
			delete(b.queues, name)
		}
	}
}

func notFound(what string) error {
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no " + what}
}

func preconditionFailed(reason string) error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + reason}
}

// fakeChannel implements Channel against a fakeBroker.
type fakeChannel struct {
	b      *fakeBroker
	closed bool
}

var _ Channel = (*fakeChannel)(nil)

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueDeclares++
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return amqp.Queue{}, preconditionFailed("inequivalent arg 'durable' for queue '" + name + "'")
		}
		q.lastUsed = b.now
		return amqp.Queue{Name: name, Messages: len(q.msgs)}, nil
	}
	b.queues[name] = &fakeQueue{durable: durable, args: args, lastUsed: b.now}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if c.closed {
		return amqp.ErrClosed
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return notFound("exchange '" + exchange + "'")
	}
	if _, ok := b.queues[name]; !ok {
		return notFound("queue '" + name + "'")
	}
	if b.bindings[exchange] == nil {
		b.bindings[exchange] = make(map[string]string)
	}
	b.bindings[exchange][key] = name
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if c.closed {
		return amqp.ErrClosed
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if k, ok := b.exchanges[name]; ok && k != kind {
		return preconditionFailed("inequivalent arg 'type' for exchange '" + name + "'")
	}
	b.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.closed {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish != nil {
		return b.failPublish
	}
	if exchange != "" {
		if _, ok := b.exchanges[exchange]; !ok {
			return notFound("exchange '" + exchange + "'")
		}
	}
	body := append([]byte(nil), msg.Body...)
	msg.Body = body
	b.routeLocked(exchange, key, fakeMsg{pub: msg, queuedAt: b.now})
	return nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if c.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	q, ok := b.queues[queue]
	if !ok {
		return amqp.Delivery{}, false, notFound("queue '" + queue + "'")
	}
	q.lastUsed = b.now
	if len(q.msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	b.nextTag++
	if !autoAck {
		b.unacked[b.nextTag] = fakeDelivery{msg: m, queue: queue, ch: c}
	}
	return amqp.Delivery{
		Body:         m.pub.Body,
		DeliveryTag:  b.nextTag,
		MessageId:    m.pub.MessageId,
		Headers:      m.pub.Headers,
		DeliveryMode: m.pub.DeliveryMode,
		Expiration:   m.pub.Expiration,
		Redelivered:  m.redelivered,
	}, true, nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	if c.closed {
		return amqp.ErrClosed
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.unacked[tag]; !ok {
		return preconditionFailed("unknown delivery tag " + strconv.FormatUint(tag, 10))
	}
	delete(b.unacked, tag)
	return nil
}

func (c *fakeChannel) IsClosed() bool { return c.closed }

// Close returns the channel's unacked deliveries to the head of their
// queues, flagged as redelivered.
func (c *fakeChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]uint64, 0, len(b.unacked))
	for tag, d := range b.unacked {
		if d.ch == c {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		d := b.unacked[tag]
		delete(b.unacked, tag)
		q, ok := b.queues[d.queue]
		if !ok {
			continue
		}
		d.msg.redelivered = true
		q.msgs = append([]fakeMsg{d.msg}, q.msgs...)
	}
	return nil
}
