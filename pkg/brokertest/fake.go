// Package brokertest provides an in-memory stand-in for amqp091-go used by
// the session, pool, and media package tests. It implements just enough of
// the exchange/queue/bind/publish/consume model to exercise round-trip and
// failure scenarios without dialing a real broker.
package brokertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opencall/brokerhub/pkg/amqpx"
)

// Broker is shared, in-memory AMQP-shaped state keyed by host URL.
type Broker struct {
	mu      sync.Mutex
	hosts   map[string]*host
	refused map[string]bool
}

func NewBroker() *Broker {
	return &Broker{hosts: make(map[string]*host), refused: make(map[string]bool)}
}

// Dialer returns an amqpx.Dialer backed by this broker.
func (b *Broker) Dialer() amqpx.Dialer { return &dialer{b} }

// Refuse marks url so every future Dial attempt fails, simulating a
// connection-refused host (ErrNoBroker).
func (b *Broker) Refuse(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refused[url] = true
}

// Allow reverses Refuse.
func (b *Broker) Allow(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refused, url)
}

// KillConnection simulates the broker dropping the connection to url,
// firing every registered connection-level NotifyClose receiver.
func (b *Broker) KillConnection(url string) {
	b.mu.Lock()
	h, ok := b.hosts[url]
	b.mu.Unlock()
	if !ok {
		return
	}
	h.killConnection()
}

// KillChannel simulates the broker closing the nth channel opened on url
// (0-indexed in open order).
func (b *Broker) KillChannel(url string, index int) {
	b.mu.Lock()
	h, ok := b.hosts[url]
	b.mu.Unlock()
	if !ok {
		return
	}
	h.killChannel(index)
}

// Publish injects a message directly, as if some external producer on the
// broker published it — used by tests to simulate a reply arriving on a
// worker's reply queue or a media request arriving on the dispatcher queue.
func (b *Broker) Publish(url, exchange, key string, msg amqp.Publishing) {
	b.mu.Lock()
	h, ok := b.hosts[url]
	b.mu.Unlock()
	if !ok {
		return
	}
	h.route(exchange, key, msg)
}

type host struct {
	mu          sync.Mutex
	alive       bool
	closeNotify []chan *amqp.Error
	channels    []*channel
	exchanges   map[string]bool
	queues      map[string]*queue
}

type queue struct {
	bindings []binding
	deliver  chan amqp.Delivery
	closed   bool
}

func (q *queue) close() {
	if q.closed {
		return
	}
	q.closed = true
	close(q.deliver)
}

type binding struct {
	exchange, key string
}

func newHost() *host {
	return &host{
		alive:     true,
		exchanges: make(map[string]bool),
		queues:    make(map[string]*queue),
	}
}

func (h *host) killConnection() {
	h.mu.Lock()
	h.alive = false
	notify := h.closeNotify
	h.closeNotify = nil
	channels := h.channels
	for _, q := range h.queues {
		q.close()
	}
	h.mu.Unlock()
	for _, ch := range channels {
		ch.markDead()
	}
	for _, c := range notify {
		c <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	}
}

func (h *host) killChannel(index int) {
	h.mu.Lock()
	if index < 0 || index >= len(h.channels) {
		h.mu.Unlock()
		return
	}
	ch := h.channels[index]
	h.mu.Unlock()
	ch.simulateClose()
}

func (h *host) route(exchange, key string, msg amqp.Publishing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.queues {
		if q.closed {
			continue
		}
		for _, bnd := range q.bindings {
			if bnd.exchange == exchange && bnd.key == key {
				delivery := amqp.Delivery{
					ContentType: msg.ContentType,
					Body:        msg.Body,
					Headers:     msg.Headers,
					AppId:       msg.AppId,
				}
				select {
				case q.deliver <- delivery:
				default:
					go func(q *queue, d amqp.Delivery) { q.deliver <- d }(q, delivery)
				}
			}
		}
	}
}

type dialer struct{ b *Broker }

func (d *dialer) Dial(url string) (amqpx.Connection, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.b.refused[url] {
		return nil, fmt.Errorf("dial %s: connection refused", url)
	}
	h, ok := d.b.hosts[url]
	if ok {
		h.mu.Lock()
		alive := h.alive
		h.mu.Unlock()
		if !alive {
			ok = false
		}
	}
	if !ok {
		// a fresh dial after a killed connection reaches a broker that has
		// forgotten the old connection's exclusive queues
		h = newHost()
		d.b.hosts[url] = h
	}
	return &conn{host: h}, nil
}

type conn struct {
	host   *host
	closed int32
}

func (c *conn) Channel() (amqpx.Channel, error) {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if !c.host.alive {
		return nil, fmt.Errorf("connection closed")
	}
	ch := &channel{host: c.host}
	c.host.channels = append(c.host.channels, ch)
	return ch, nil
}

func (c *conn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	c.host.closeNotify = append(c.host.closeNotify, receiver)
	return receiver
}

func (c *conn) IsClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

type channel struct {
	host        *host
	mu          sync.Mutex
	alive       bool
	closeNotify []chan *amqp.Error
	consuming   []string
	seq         int64
}

func (ch *channel) markDead() {
	ch.mu.Lock()
	ch.alive = false
	ch.mu.Unlock()
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.host.mu.Lock()
	defer ch.host.mu.Unlock()
	ch.host.exchanges[name] = true
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.host.mu.Lock()
	defer ch.host.mu.Unlock()
	if name == "" {
		ch.seq++
		name = fmt.Sprintf("amq.gen-%p-%d", ch, ch.seq)
	}
	q, ok := ch.host.queues[name]
	if !ok {
		q = &queue{deliver: make(chan amqp.Delivery, 16)}
		ch.host.queues[name] = q
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.host.mu.Lock()
	defer ch.host.mu.Unlock()
	q, ok := ch.host.queues[name]
	if !ok {
		q = &queue{deliver: make(chan amqp.Delivery, 16)}
		ch.host.queues[name] = q
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, key: key})
	return nil
}

func (ch *channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	ch.host.mu.Lock()
	defer ch.host.mu.Unlock()
	delete(ch.host.queues, name)
	return 0, nil
}

func (ch *channel) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.host.mu.Lock()
	q, ok := ch.host.queues[queueName]
	if !ok {
		q = &queue{deliver: make(chan amqp.Delivery, 16)}
		ch.host.queues[queueName] = q
	}
	ch.host.mu.Unlock()

	ch.mu.Lock()
	ch.consuming = append(ch.consuming, queueName)
	ch.mu.Unlock()
	return q.deliver, nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.host.route(exchange, key, msg)
	return nil
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeNotify = append(ch.closeNotify, receiver)
	return receiver
}

func (ch *channel) NotifyReturn(c chan amqp.Return) chan amqp.Return { return c }

func (ch *channel) Close() error {
	ch.mu.Lock()
	ch.alive = false
	ch.mu.Unlock()
	return nil
}

func (ch *channel) simulateClose() {
	ch.mu.Lock()
	notify := ch.closeNotify
	ch.closeNotify = nil
	ch.alive = false
	names := ch.consuming
	ch.mu.Unlock()

	ch.host.mu.Lock()
	for _, name := range names {
		if q, ok := ch.host.queues[name]; ok {
			q.close()
		}
	}
	ch.host.mu.Unlock()

	for _, c := range notify {
		c <- &amqp.Error{Code: 406, Reason: "PRECONDITION_FAILED"}
	}
}
