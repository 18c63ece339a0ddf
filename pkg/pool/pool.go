// Package pool implements the request/reply worker pool: an elastic set of
// workers, each holding an exclusive broker reply queue, serving one
// in-flight request at a time. The pool itself is a single coordinator
// goroutine that never blocks on a reply; workers deliver results to
// callers directly, so dispatch stays non-blocking under load.
package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opencall/brokerhub/pkg/amqpx"
	"github.com/opencall/brokerhub/pkg/brokererr"
	"github.com/opencall/brokerhub/pkg/envelope"
)

// BackoffPeriod is the trim-tick interval.
const BackoffPeriod = 2500 * time.Millisecond

// DefaultTimeout is applied when a caller does not specify one.
const DefaultTimeout = 5 * time.Second

// Stats mirrors the PoolState counters.
type Stats struct {
	WorkerCount int
	FreeCount   int
	Baseline    int
	Served      int64
}

// Pool is the request/reply coordinator.
type Pool struct {
	conn amqpx.Connection
	log  *zap.Logger
	cmd  chan any
	done chan struct{}

	baseline int
}

// New constructs a pool over conn, starting baseline free workers; the trim
// tick never shrinks the worker count below baseline. Every worker opens its own channel on conn: amqp091-go
// channels are not safe for concurrent use, and each worker publishes and
// consumes from its own goroutine.
func New(conn amqpx.Connection, baseline int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		conn:     conn,
		log:      log.Named("pool"),
		cmd:      make(chan any, 256),
		done:     make(chan struct{}),
		baseline: baseline,
	}
	go p.run()
	return p
}

// Shutdown stops the coordinator and every worker it owns.
func (p *Pool) Shutdown() { close(p.done) }

type requestCmd struct {
	kind       envelope.Kind
	payload    envelope.Tree
	callerDone <-chan struct{}
	result     chan<- CallResult
}

type workerFreeCmd struct{ w *worker }
type workerExitedCmd struct{ w *worker }
type statsCmd struct{ reply chan Stats }

// Call issues one request/reply transaction of the given kind: auth_req,
// route_req, reg_query, or media_req. It returns the decoded reply tree,
// an EnvelopeInvalid error if the shaper rejected payload, or
// brokererr.ErrTimeout if no reply arrived within timeout (0 means
// DefaultTimeout).
func (p *Pool) Call(ctx context.Context, kind envelope.Kind, payload envelope.Tree, timeout time.Duration) (envelope.Tree, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	result := make(chan CallResult, 1)
	req := requestCmd{kind: kind, payload: payload, callerDone: ctx.Done(), result: result}
	select {
	case p.cmd <- req:
	case <-p.done:
		return nil, brokererr.ErrShutdown
	}

	select {
	case r := <-result:
		return r.Tree, r.Err
	case <-time.After(timeout):
		return nil, brokererr.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats reports the current PoolState counters.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.cmd <- statsCmd{reply: reply}:
	case <-p.done:
		return Stats{}
	}
	return <-reply
}

func (p *Pool) notifyFree(w *worker) {
	select {
	case p.cmd <- workerFreeCmd{w: w}:
	case <-p.done:
	}
}

func (p *Pool) run() {
	free := make([]*worker, 0, p.baseline)
	count := 0
	var served int64

	spawn := func() *worker {
		w, err := newWorker(p, p.conn, p.log)
		if err != nil {
			p.log.Error("failed to spawn worker", zap.Error(err))
			return nil
		}
		count++
		return w
	}

	for i := 0; i < p.baseline; i++ {
		if w := spawn(); w != nil {
			free = append(free, w)
		}
	}

	trim := time.NewTicker(BackoffPeriod)
	defer trim.Stop()

	for {
		select {
		case c := <-p.cmd:
			switch cmd := c.(type) {
			case requestCmd:
				var w *worker
				if len(free) > 0 {
					w = free[0]
					free = free[1:]
				} else {
					w = spawn()
				}
				served++
				if w == nil {
					cmd.result <- CallResult{Err: brokererr.ErrNoBroker}
					continue
				}
				w.jobs <- job{kind: cmd.kind, payload: cmd.payload, callerDone: cmd.callerDone, result: cmd.result}

			case workerFreeCmd:
				free = append(free, cmd.w)

			case workerExitedCmd:
				free = removeWorker(free, cmd.w)
				count--
				if count < p.baseline {
					if w := spawn(); w != nil {
						free = append(free, w)
					}
				}

			case statsCmd:
				cmd.reply <- Stats{WorkerCount: count, FreeCount: len(free), Baseline: p.baseline, Served: served}
			}

		case <-trim.C:
			free, count, served = reduceLaborForce(free, count, p.baseline, served)

		case <-p.done:
			for _, w := range free {
				close(w.shutdown)
			}
			return
		}
	}
}

func removeWorker(free []*worker, w *worker) []*worker {
	for i, f := range free {
		if f == w {
			return append(free[:i:i], free[i+1:]...)
		}
	}
	return free
}

// reduceLaborForce implements the trim tick: let rp = served since last
// tick, wc = worker count, owc = baseline.
func reduceLaborForce(free []*worker, count, baseline int, served int64) ([]*worker, int, int64) {
	rp := served
	wc := int64(count)
	owc := int64(baseline)

	var toShut int64
	switch {
	case rp < owc && wc > owc:
		toShut = int64(len(free)) - owc
	case rp < wc && wc > owc:
		toShut = wc - rp
		if maxShut := int64(len(free)) - owc; toShut > maxShut {
			toShut = maxShut
		}
	}
	if toShut < 0 {
		toShut = 0
	}
	if toShut > int64(len(free)) {
		toShut = int64(len(free))
	}

	for i := int64(0); i < toShut; i++ {
		w := free[0]
		free = free[1:]
		close(w.shutdown)
		count--
	}
	return free, count, 0
}
