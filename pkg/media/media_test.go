package media_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/opencall/brokerhub/pkg/amqpx"
	"github.com/opencall/brokerhub/pkg/brokertest"
	"github.com/opencall/brokerhub/pkg/envelope"
	"github.com/opencall/brokerhub/pkg/media"
)

const testHost = "amqp://host-1"

type fakeStore struct {
	docs map[string]media.DocMeta
}

func (s *fakeStore) Resolve(db, doc string) (media.DocMeta, bool) {
	m, ok := s.docs[db+"/"+doc]
	return m, ok
}

type fakeHandle struct {
	mu        sync.Mutex
	listeners []string
	done      chan struct{}
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) AddListener(addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, addr)
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

type startCall struct {
	ref          envelope.MediaRef
	replyAddress string
	mode         media.StreamMode
	lease        media.PortLease
}

type fakeSupervisor struct {
	mu      sync.Mutex
	calls   []startCall
	handles []*fakeHandle
	fail    bool
}

func (s *fakeSupervisor) StartStream(ref envelope.MediaRef, replyAddress string, mode media.StreamMode, lease media.PortLease) (media.StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, startCall{ref, replyAddress, mode, lease})
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	h := newFakeHandle()
	s.handles = append(s.handles, h)
	return h, nil
}

func openChannel(t *testing.T, broker *brokertest.Broker) amqpx.Channel {
	t.Helper()
	conn, err := broker.Dialer().Dial(testHost)
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

// observeReply binds an anonymous queue to "targeted" under serverID and
// returns the next decoded reply sent there, the way a calling client would.
func observeReply(t *testing.T, broker *brokertest.Broker, serverID string) <-chan envelope.Tree {
	t.Helper()
	ch := openChannel(t, broker)
	_, err := ch.QueueDeclare(serverID, false, false, true, true, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(serverID, serverID, "targeted", false, nil))
	deliveries, err := ch.Consume(serverID, "", true, true, false, false, nil)
	require.NoError(t, err)

	out := make(chan envelope.Tree, 1)
	go func() {
		d := <-deliveries
		var tree envelope.Tree
		_ = json.Unmarshal(d.Body, &tree)
		out <- tree
	}()
	return out
}

func newDispatcher(t *testing.T, broker *brokertest.Broker, store *fakeStore, sup *fakeSupervisor) *media.Dispatcher {
	t.Helper()
	d := media.New(openChannel(t, broker), store, sup, media.Config{DefaultMediaDB: "calls", MaxReservedPorts: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); d.Shutdown() })
	d.Start(ctx)
	return d
}

func publishMediaRequest(t *testing.T, broker *brokertest.Broker, payload envelope.Tree) {
	t.Helper()
	body, err := json.Marshal(envelope.WithDefaultHeaders(payload, envelope.KindMediaReq, ""))
	require.NoError(t, err)
	route := envelope.RouteFor(envelope.KindMediaReq)
	broker.Publish(testHost, route.Exchange, route.RoutingKey, amqp.Publishing{ContentType: route.ContentType, Body: body})
}

func TestNewStreamRequestStartsSingleMode(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{
		"calls/doc-1": {Streamable: true, Attachments: []string{"a1"}},
	}}
	sup := &fakeSupervisor{}
	newDispatcher(t, broker, store, sup)

	reply := observeReply(t, broker, "caller-1")
	publishMediaRequest(t, broker, envelope.Tree{"Server-ID": "caller-1", "Media-Name": "doc-1"})

	select {
	case <-reply:
		t.Fatal("unexpected reply for a request that should simply start a stream")
	case <-time.After(100 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.calls) == 1 && sup.calls[0].mode == media.ModeSingle
	}, time.Second, 10*time.Millisecond)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	require.NotNil(t, sup.calls[0].lease.Listener, "the child must receive the already-bound socket, not a bare port")
}

func TestEmptyMediaNameRepliesNotFound(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{}}
	sup := &fakeSupervisor{}
	newDispatcher(t, broker, store, sup)

	reply := observeReply(t, broker, "caller-2")
	publishMediaRequest(t, broker, envelope.Tree{"Server-ID": "caller-2", "Media-Name": ""})

	select {
	case tree := <-reply:
		require.Equal(t, "not_found", tree["Error-Code"])
	case <-time.After(time.Second):
		t.Fatal("never got an error reply for an empty Media-Name")
	}
}

func TestUnresolvableDocumentRepliesNotFound(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{}}
	sup := &fakeSupervisor{}
	newDispatcher(t, broker, store, sup)

	reply := observeReply(t, broker, "caller-3")
	publishMediaRequest(t, broker, envelope.Tree{"Server-ID": "caller-3", "Media-Name": "missing-doc"})

	select {
	case tree := <-reply:
		require.Equal(t, "not_found", tree["Error-Code"])
	case <-time.After(time.Second):
		t.Fatal("never got an error reply for an unresolvable document")
	}
}

func TestNonStreamableDocumentRepliesNoData(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{
		"calls/doc-2": {Streamable: false},
	}}
	sup := &fakeSupervisor{}
	newDispatcher(t, broker, store, sup)

	reply := observeReply(t, broker, "caller-4")
	publishMediaRequest(t, broker, envelope.Tree{"Server-ID": "caller-4", "Media-Name": "doc-2"})

	select {
	case tree := <-reply:
		require.Equal(t, "no_data", tree["Error-Code"])
	case <-time.After(time.Second):
		t.Fatal("never got an error reply for a non-streamable document")
	}
}

func TestExtantStreamTypeJoinsRegisteredStream(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{
		"calls/doc-3": {Streamable: true, Attachments: []string{"a1"}},
	}}
	sup := &fakeSupervisor{}
	d := newDispatcher(t, broker, store, sup)

	handle := newFakeHandle()
	d.AddStream("calls/doc-3/a1", handle)

	publishMediaRequest(t, broker, envelope.Tree{
		"Server-ID": "caller-5", "Media-Name": "doc-3", "Stream-Type": "extant",
	})

	require.Eventually(t, func() bool {
		handle.mu.Lock()
		defer handle.mu.Unlock()
		return len(handle.listeners) == 1 && handle.listeners[0] == "caller-5"
	}, time.Second, 10*time.Millisecond)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	require.Empty(t, sup.calls, "joining an already-registered stream must not start a new one")
}

func TestExtantStreamTypeFallsThroughToNewContinuousStream(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{
		"calls/doc-4": {Streamable: true, Attachments: []string{"a1"}},
	}}
	sup := &fakeSupervisor{}
	newDispatcher(t, broker, store, sup)

	publishMediaRequest(t, broker, envelope.Tree{
		"Server-ID": "caller-6", "Media-Name": "doc-4", "Stream-Type": "extant",
	})

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.calls) == 1 && sup.calls[0].mode == media.ModeContinuous
	}, time.Second, 10*time.Millisecond)
}

func TestPortPoolExhaustionRepliesOther(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{
		"calls/doc-5": {Streamable: true, Attachments: []string{"a1"}},
	}}
	sup := &fakeSupervisor{}
	d := media.New(openChannel(t, broker), store, sup, media.Config{
		DefaultMediaDB: "calls", MaxReservedPorts: 1, PortRangeLo: 18765, PortRangeHi: 18765,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); d.Shutdown() })
	d.Start(ctx)

	for i := 0; i < 1; i++ {
		_, err := d.NextPort()
		require.NoError(t, err)
	}

	replies := make([]<-chan envelope.Tree, 2)
	replies[0] = observeReply(t, broker, "caller-7")
	replies[1] = observeReply(t, broker, "caller-8")

	publishMediaRequest(t, broker, envelope.Tree{"Server-ID": "caller-7", "Media-Name": "doc-5"})
	publishMediaRequest(t, broker, envelope.Tree{"Server-ID": "caller-8", "Media-Name": "doc-5"})

	gotOther := false
	for _, r := range replies {
		select {
		case tree := <-r:
			if tree["Error-Code"] == "other" {
				gotOther = true
			}
		case <-time.After(time.Second):
		}
	}
	require.True(t, gotOther, "at least one of two requests should exhaust the one-port pool")
}

func TestStatsCountsPortsAndStreams(t *testing.T) {
	broker := brokertest.NewBroker()
	store := &fakeStore{docs: map[string]media.DocMeta{
		"calls/doc-6": {Streamable: true, Attachments: []string{"a1"}},
	}}
	sup := &fakeSupervisor{}
	d := newDispatcher(t, broker, store, sup)

	publishMediaRequest(t, broker, envelope.Tree{"Server-ID": "caller-9", "Media-Name": "doc-6"})

	require.Eventually(t, func() bool {
		stats := d.Stats()
		return stats["ports_leased"] >= 1 && stats["streams_started"] >= 1
	}, time.Second, 10*time.Millisecond)
}
