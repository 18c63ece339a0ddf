// Package media implements the media request dispatcher: a
// single-consumer service that ingests media-fetch requests, maintains a
// pool of pre-bound TCP listener sockets, tracks live streaming children
// for join semantics, and recovers from broker outages. Like session and
// pool, it is one coordinator goroutine reachable only through its
// exported methods.
package media

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/opencall/brokerhub/pkg/amqpx"
	"github.com/opencall/brokerhub/pkg/brokererr"
	"github.com/opencall/brokerhub/pkg/envelope"
	"github.com/opencall/brokerhub/pkg/session"
)

// RetryPeriod is how often the dispatcher retries the consumer queue
// bootstrap after a broker-interaction failure.
const RetryPeriod = 1 * time.Second

// StreamMode distinguishes a single-subscriber stream from one that stays
// open for further joins.
type StreamMode int

const (
	ModeSingle StreamMode = iota
	ModeContinuous
)

// StreamHandle is the dispatcher's view of an external streaming child.
// Done is the child's liveness watch.
type StreamHandle interface {
	AddListener(replyAddress string) error
	Done() <-chan struct{}
}

// StreamSupervisor starts a new streaming child. It is the seam across
// which the dispatcher delegates to the external streaming subsystem that
// actually produces audio on a TCP port. The child takes ownership of the
// lease's already-bound listener socket; handing out a bare port number
// instead would reopen the bind race the pool exists to avoid.
type StreamSupervisor interface {
	StartStream(ref envelope.MediaRef, replyAddress string, mode StreamMode, lease PortLease) (StreamHandle, error)
}

// DocMeta is the resolved document metadata media resolution needs. The
// document store itself lives outside this package; DocStore is the seam.
type DocMeta struct {
	Streamable  bool
	Attachments []string // in declaration order; first is attachments[0]
}

// DocStore resolves (db, doc) to metadata.
type DocStore interface {
	Resolve(db, doc string) (DocMeta, bool)
}

// Config configures a Dispatcher.
type Config struct {
	DefaultMediaDB   string
	MaxReservedPorts int
	PortRangeLo      int // both zero means random ports
	PortRangeHi      int
}

type streamEntry struct {
	handle StreamHandle
}

// Dispatcher is the C3 coordinator.
type Dispatcher struct {
	channel    amqpx.Channel
	store      DocStore
	supervisor StreamSupervisor
	log        *zap.Logger
	cfg        Config

	cmd  chan any
	done chan struct{}

	portsLeased    int64
	streamsStarted int64
}

// Stats mirrors the dispatcher's in-memory counters: total ports leased
// and total stream children started across its lifetime.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"ports_leased":    atomic.LoadInt64(&d.portsLeased),
		"streams_started": atomic.LoadInt64(&d.streamsStarted),
	}
}

// New constructs a dispatcher. It does not start consuming until Start is
// called.
func New(channel amqpx.Channel, store DocStore, supervisor StreamSupervisor, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxReservedPorts <= 0 {
		cfg.MaxReservedPorts = 8
	}
	return &Dispatcher{
		channel:    channel,
		store:      store,
		supervisor: supervisor,
		log:        log.Named("media"),
		cfg:        cfg,
		cmd:        make(chan any, 64),
		done:       make(chan struct{}),
	}
}

// Shutdown stops the coordinator, closing any leased-but-undispatched
// ports.
func (d *Dispatcher) Shutdown() { close(d.done) }

type addStreamCmd struct {
	mediaKey string
	handle   StreamHandle
}

type nextPortCmd struct {
	reply chan nextPortResult
}

type nextPortResult struct {
	lease PortLease
	err   error
}

type brokerHostDownCmd struct{}

type streamDiedCmd struct {
	mediaKey string
	handle   StreamHandle
}

type deliveryCmd struct {
	delivery amqp.Delivery
}

// consumerCrashedCmd carries the consumer generation it was observed on, so
// a stale forwarder draining a superseded queue cannot mark the current
// consumer dead.
type consumerCrashedCmd struct{ gen int }

type refillPortsCmd struct{}

// AddStream registers a live streaming child for future "join existing
// stream" requests.
func (d *Dispatcher) AddStream(mediaID string, handle StreamHandle) {
	select {
	case d.cmd <- addStreamCmd{mediaKey: mediaID, handle: handle}:
	case <-d.done:
	}
}

// NextPort leases the head of the reserved-port queue.
func (d *Dispatcher) NextPort() (PortLease, error) {
	reply := make(chan nextPortResult, 1)
	select {
	case d.cmd <- nextPortCmd{reply: reply}:
	case <-d.done:
		return PortLease{}, brokererr.ErrShutdown
	}
	r := <-reply
	return r.lease, r.err
}

// NotifyBrokerHostDown tells the dispatcher its broker host just went down
// (delivered by the session manager).
func (d *Dispatcher) NotifyBrokerHostDown() {
	select {
	case d.cmd <- brokerHostDownCmd{}:
	case <-d.done:
	}
}

// Start declares the exchanges it needs, kicks off the consumer-queue and
// port-pool bootstrap, and runs the coordinator loop until Shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	for _, name := range []string{"call-manager", "targeted"} {
		if err := d.channel.ExchangeDeclare(name, exchangeKind(name), true, false, false, false, nil); err != nil {
			d.log.Warn("exchange declare failed at startup", zap.String("exchange", name), zap.Error(err))
		}
	}

	ports := newPortPool(portRange{Lo: d.cfg.PortRangeLo, Hi: d.cfg.PortRangeHi}, d.cfg.MaxReservedPorts)
	ports.fill()

	streams := make(map[string]*streamEntry)

	var queueName string
	var consumerOK bool
	var gen int
	var inbox chan amqp.Delivery

	bootstrap := func() {
		name, ch, err := d.bootstrapConsumer(queueName)
		if err != nil {
			d.log.Warn("consumer bootstrap failed, will retry", zap.Error(err))
			consumerOK = false
			return
		}
		queueName = name
		consumerOK = true
		gen++
		inbox = make(chan amqp.Delivery, 32)
		go func(deliveries <-chan amqp.Delivery, out chan amqp.Delivery, g int) {
			for msg := range deliveries {
				select {
				case out <- msg:
				case <-d.done:
					return
				}
			}
			select {
			case d.cmd <- consumerCrashedCmd{gen: g}:
			case <-d.done:
			}
		}(ch, inbox, gen)
	}

	bootstrap()

	retry := time.NewTicker(RetryPeriod)
	defer retry.Stop()

	for {
		select {
		case c := <-d.cmd:
			switch cmd := c.(type) {
			case addStreamCmd:
				streams[cmd.mediaKey] = &streamEntry{handle: cmd.handle}
				d.watchStream(cmd.mediaKey, cmd.handle)

			case nextPortCmd:
				lease, ok := ports.next()
				if !ok {
					cmd.reply <- nextPortResult{err: brokererr.ErrNoPorts}
					continue
				}
				atomic.AddInt64(&d.portsLeased, 1)
				cmd.reply <- nextPortResult{lease: lease}

			case brokerHostDownCmd:
				consumerOK = false
				queueName = ""

			case streamDiedCmd:
				if entry, ok := streams[cmd.mediaKey]; ok && entry.handle == cmd.handle {
					delete(streams, cmd.mediaKey)
				}

			case deliveryCmd:
				d.dispatchMessage(cmd.delivery, ports, streams)

			case lookupAndJoinCmd:
				d.handleJoinOrStart(cmd, streams)

			case consumerCrashedCmd:
				if cmd.gen == gen {
					consumerOK = false
				}

			case refillPortsCmd:
				ports.fill()
			}

		case msg, ok := <-inbox:
			if ok {
				select {
				case d.cmd <- deliveryCmd{delivery: msg}:
				case <-d.done:
					return
				}
			}

		case <-retry.C:
			if !consumerOK {
				bootstrap()
			}

		case <-d.done:
			for _, lease := range ports.leases {
				_ = lease.Close()
			}
			return

		case <-ctx.Done():
			for _, lease := range ports.leases {
				_ = lease.Close()
			}
			return
		}
	}
}

func (d *Dispatcher) watchStream(mediaKey string, handle StreamHandle) {
	go func() {
		select {
		case <-handle.Done():
			select {
			case d.cmd <- streamDiedCmd{mediaKey: mediaKey, handle: handle}:
			case <-d.done:
			}
		case <-d.done:
		}
	}()
}

// bootstrapConsumer implements consumer queue bootstrap:
// declare an anonymous queue, bind it to call-event under media_req and to
// targeted under its own name, begin consuming. If prevQueue is non-empty
// (a retry), it is best-effort deleted first.
func (d *Dispatcher) bootstrapConsumer(prevQueue string) (string, <-chan amqp.Delivery, error) {
	if prevQueue != "" {
		_, _ = d.channel.QueueDelete(prevQueue, false, false, false)
	}
	q, err := d.channel.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return "", nil, err
	}
	if err := d.channel.QueueBind(q.Name, envelope.RouteFor(envelope.KindMediaReq).RoutingKey, envelope.RouteFor(envelope.KindMediaReq).Exchange, false, nil); err != nil {
		return "", nil, err
	}
	if err := d.channel.QueueBind(q.Name, q.Name, "targeted", false, nil); err != nil {
		return "", nil, err
	}
	deliveries, err := d.channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return "", nil, err
	}
	return q.Name, deliveries, nil
}

// dispatchMessage implements incoming-request handling.
// It is called from the coordinator goroutine but does its actual work in
// a fresh goroutine so the coordinator never blocks on document-store
// lookups or the stream supervisor. The port pool is coordinator-owned
// state, so the handler never touches it again after taking its lease;
// refilling happens back on the coordinator via refillPortsCmd.
func (d *Dispatcher) dispatchMessage(msg amqp.Delivery, ports *portPool, streams map[string]*streamEntry) {
	lease, ok := ports.next()
	if ok {
		atomic.AddInt64(&d.portsLeased, 1)
	}
	go func() {
		defer func() {
			select {
			case d.cmd <- refillPortsCmd{}:
			case <-d.done:
			}
		}()
		d.handleRequest(msg, lease, ok)
	}()
}

func (d *Dispatcher) handleRequest(msg amqp.Delivery, lease PortLease, havePort bool) {
	handedOff := false
	defer func() {
		if havePort && !handedOff {
			_ = lease.Close()
		}
	}()

	var payload envelope.Tree
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		d.log.Warn("media request body was not valid JSON", zap.Error(err))
		return
	}

	serverID, _ := payload["Server-ID"].(string)
	mediaName, _ := payload["Media-Name"].(string)

	if err := envelope.ShaperFor(envelope.KindMediaReq)(payload); err != nil {
		d.replyError(serverID, mediaName, err)
		return
	}
	if !havePort {
		d.replyError(serverID, mediaName, brokererr.ErrNoPorts)
		return
	}

	ref, ok := envelope.ParseMediaName(mediaName, d.cfg.DefaultMediaDB)
	if !ok {
		d.replyError(serverID, mediaName, &brokererr.NotFound{MediaName: mediaName})
		return
	}

	meta, found := d.store.Resolve(ref.DB, ref.Doc)
	if !found {
		d.replyError(serverID, mediaName, &brokererr.NotFound{MediaName: mediaName})
		return
	}
	if !meta.Streamable || len(meta.Attachments) == 0 {
		d.replyError(serverID, mediaName, &brokererr.NoData{MediaName: mediaName})
		return
	}
	if ref.Attachment == "" {
		ref.Attachment = meta.Attachments[0]
	}

	streamType, _ := payload["Stream-Type"].(string)
	if streamType == "" {
		streamType = "new"
	}

	key := refKey(ref)

	if streamType == "extant" {
		select {
		case d.cmd <- lookupAndJoinCmd{key: key, ref: ref, replyAddress: serverID, mediaName: mediaName, lease: lease}:
			handedOff = true
		case <-d.done:
		}
		return
	}

	// single-mode children serve exactly one subscriber and are never
	// joined later, so their handles are not registered
	if _, err := d.supervisor.StartStream(ref, serverID, ModeSingle, lease); err != nil {
		d.replyError(serverID, mediaName, err)
		return
	}
	handedOff = true
	atomic.AddInt64(&d.streamsStarted, 1)
}

// lookupAndJoinCmd is routed back through the coordinator because the
// streams map is coordinator-owned state; only the document/supervisor
// work above happens off the coordinator goroutine.
type lookupAndJoinCmd struct {
	key          string
	ref          envelope.MediaRef
	replyAddress string
	mediaName    string
	lease        PortLease
}

// handleJoinOrStart implements the Stream-Type=extant path: join an
// already-registered stream if one exists under key, otherwise fall
// through to starting a new child in continuous mode and register it
// exactly as AddStream would.
func (d *Dispatcher) handleJoinOrStart(cmd lookupAndJoinCmd, streams map[string]*streamEntry) {
	if entry, ok := streams[cmd.key]; ok {
		_ = cmd.lease.Close()
		if err := entry.handle.AddListener(cmd.replyAddress); err != nil {
			d.replyError(cmd.replyAddress, cmd.mediaName, err)
		}
		return
	}

	handle, err := d.supervisor.StartStream(cmd.ref, cmd.replyAddress, ModeContinuous, cmd.lease)
	if err != nil {
		_ = cmd.lease.Close()
		d.replyError(cmd.replyAddress, cmd.mediaName, err)
		return
	}
	atomic.AddInt64(&d.streamsStarted, 1)
	streams[cmd.key] = &streamEntry{handle: handle}
	d.watchStream(cmd.key, handle)
}

func refKey(ref envelope.MediaRef) string {
	return ref.DB + "/" + ref.Doc + "/" + ref.Attachment
}

// replyError converts cause into the wire Error-Code vocabulary and
// publishes the error envelope to the requester's Server-ID on the
// targeted exchange. Error-Msg is only carried for "other" failures;
// not_found and no_data are self-describing.
func (d *Dispatcher) replyError(serverID, mediaName string, cause error) {
	if serverID == "" {
		return
	}
	code := brokererr.ErrorCode(cause)
	msg := ""
	if code == "other" {
		msg = cause.Error()
	}
	body, err := json.Marshal(envelope.ErrorReply(mediaName, code, msg))
	if err != nil {
		d.log.Error("failed to marshal error reply", zap.Error(err))
		return
	}
	if err := d.channel.PublishWithContext(context.Background(), "targeted", serverID, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		d.log.Error("failed to publish error reply", zap.Error(err))
	}
}

func exchangeKind(name string) string {
	if k, ok := session.ExchangeTypes[name]; ok {
		return k
	}
	return "topic"
}
