package pool

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/opencall/brokerhub/pkg/amqpx"
	"github.com/opencall/brokerhub/pkg/envelope"
)

// CallResult is what a worker eventually delivers for one job: either the
// decoded reply tree, or an error (envelope validation failure, publish
// failure, or a JSON decode failure on the reply body).
type CallResult struct {
	Tree envelope.Tree
	Err  error
}

// job carries everything a free worker needs to serve one request:
// payload, shaper, publisher, caller-handle, pool-handle. The pool-handle
// is implicit: the worker always reports back to p.notifyFree when done.
type job struct {
	kind       envelope.Kind
	payload    envelope.Tree
	callerDone <-chan struct{}
	result     chan<- CallResult
}

// worker is one pool worker: an identity, a reply-queue name, and a state
// of Free or Busy tracked implicitly by whether it is waiting on w.jobs or
// serving one. Each worker owns a private channel on the pool's
// connection, closed when the worker exits.
type worker struct {
	id         string
	replyQueue string
	channel    amqpx.Channel
	jobs       chan job
	shutdown   chan struct{}
	crashed    chan struct{}
	inbox      chan amqp.Delivery
	pool       *Pool
	log        *zap.Logger
}

func newWorker(p *Pool, conn amqpx.Connection, log *zap.Logger) (*worker, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.ExchangeDeclare("targeted", "direct", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return nil, err
	}
	q, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = channel.Close()
		return nil, err
	}
	if err := channel.QueueBind(q.Name, q.Name, "targeted", false, nil); err != nil {
		_ = channel.Close()
		return nil, err
	}
	deliveries, err := channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = channel.Close()
		return nil, err
	}

	w := &worker{
		id:         uuid.NewString(),
		replyQueue: q.Name,
		channel:    channel,
		jobs:       make(chan job),
		shutdown:   make(chan struct{}),
		crashed:    make(chan struct{}),
		inbox:      make(chan amqp.Delivery),
		pool:       p,
		log:        log.With(zap.String("worker", q.Name)),
	}
	go w.pump(deliveries)
	go w.run()
	return w, nil
}

// pump forwards broker deliveries into the worker's inbox; if the broker
// closes the delivery channel (the reply queue died under us) it closes
// crashed instead, which run() treats as a crash regardless of the
// worker's current state.
func (w *worker) pump(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		select {
		case w.inbox <- d:
		case <-w.shutdown:
			return
		}
	}
	close(w.crashed)
}

func (w *worker) run() {
	defer func() { _ = w.channel.Close() }()
	for {
		select {
		case j := <-w.jobs:
			if !w.serve(j) {
				w.reportExit()
				return
			}
			w.pool.notifyFree(w)
		case <-w.shutdown:
			return
		case <-w.pool.done:
			return
		case <-w.crashed:
			w.reportExit()
			return
		}
	}
}

func (w *worker) reportExit() {
	select {
	case w.pool.cmd <- workerExitedCmd{w: w}:
	case <-w.pool.done:
	}
}

// serve publishes the request and waits for a reply, the caller giving up,
// or the reply queue dying; it applies no timeout of its own. It returns false if the worker crashed mid-job
// (caller never gets a reply) and true otherwise (including the
// caller-death and validation-failure paths).
func (w *worker) serve(j job) bool {
	payload := make(envelope.Tree, len(j.payload)+1)
	for k, v := range j.payload {
		if k == "Server-ID" {
			continue
		}
		payload[k] = v
	}
	payload["Server-ID"] = w.replyQueue

	shaper := envelope.ShaperFor(j.kind)
	if err := shaper(payload); err != nil {
		j.result <- CallResult{Err: err}
		return true
	}

	route := envelope.RouteFor(j.kind)
	body, err := json.Marshal(envelope.WithDefaultHeaders(payload, j.kind, w.replyQueue))
	if err != nil {
		j.result <- CallResult{Err: err}
		return true
	}

	err = w.channel.PublishWithContext(context.Background(), route.Exchange, route.RoutingKey, false, false, amqp.Publishing{
		ContentType: route.ContentType,
		Body:        body,
	})
	if err != nil {
		j.result <- CallResult{Err: err}
		return true
	}

	select {
	case d := <-w.inbox:
		var tree envelope.Tree
		if err := json.Unmarshal(d.Body, &tree); err != nil {
			j.result <- CallResult{Err: err}
		} else {
			j.result <- CallResult{Tree: tree}
		}
		return true
	case <-j.callerDone:
		w.log.Info("caller gone, abandoning reply")
		return true
	case <-w.crashed:
		return false
	}
}
