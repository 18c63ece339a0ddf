// Package amqpx narrows github.com/rabbitmq/amqp091-go's concrete
// *Connection/*Channel types down to the small set of methods the session,
// pool, and media coordinators actually call, so tests can substitute an
// in-memory fake (see pkg/brokertest) instead of dialing a real broker.
//
// Rather than wiring each coordinator directly to amqp091-go, callers
// hold a Dialer and the Connection/Channel interfaces it returns.
package amqpx

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens a Connection to a single broker host.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// Connection is the subset of *amqp091.Connection the session manager uses.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
}

// Channel is the subset of *amqp091.Channel the session, pool, and media
// coordinators use.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Close() error
}

// RealDialer dials actual brokers via amqp091-go.
type RealDialer struct{}

func (RealDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConn{conn}, nil
}

type realConn struct{ c *amqp.Connection }

func (r *realConn) Channel() (Channel, error) {
	ch, err := r.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *realConn) Close() error { return r.c.Close() }

func (r *realConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return r.c.NotifyClose(receiver)
}

func (r *realConn) IsClosed() bool { return r.c.IsClosed() }

// *amqp.Channel already satisfies the Channel interface above structurally.
var _ Channel = (*amqp.Channel)(nil)
