package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/transport"
	"github.com/fulcrummc/fulcrum/transport/memory"
)

func newTestBus(t *testing.T, tr transport.Transport, serviceID string) *Bus {
	t.Helper()
	b, err := New(Options{
		Transport: tr,
		Types:     envelope.NewTypeRegistry(),
		ServiceID: serviceID,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return b
}

func TestBroadcastDispatchesTypedPayload(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	sender := newTestBus(t, tr, "temp-aaaa0001")
	receiver := newTestBus(t, tr, "temp-bbbb0002")

	var (
		mu  sync.Mutex
		got []*fabric.Announcement
	)
	_, err := receiver.Subscribe(ctx, fabric.TypeAnnouncement, func(_ context.Context, _ *envelope.Envelope, payload any) {
		a, ok := payload.(*fabric.Announcement)
		require.True(t, ok)
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	})
	require.NoError(t, err)

	sender.Broadcast(ctx, fabric.TypeAnnouncement, fabric.Announcement{
		ServiceID: "fulcrum-server-1",
		Role:      "lobby",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "fulcrum-server-1", got[0].ServiceID)
	assert.Equal(t, "lobby", got[0].Role)
}

func TestCustomTypeRoutesThroughCustomNamespace(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	sender := newTestBus(t, tr, "temp-aaaa0001")
	receiver := newTestBus(t, tr, "temp-bbbb0002")

	var payloads []any
	_, err := receiver.Subscribe(ctx, "party.invite", func(_ context.Context, _ *envelope.Envelope, payload any) {
		payloads = append(payloads, payload)
	})
	require.NoError(t, err)

	sender.Broadcast(ctx, "party.invite", map[string]string{"from": "alice"})

	require.Len(t, payloads, 1)
	tree, ok := payloads[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", tree["from"])
}

func TestDirectedDeliveryIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	receiver := newTestBus(t, tr, "temp-bbbb0002")

	n := 0
	_, err := receiver.Handle(fabric.TypeHeartbeat, func(context.Context, *envelope.Envelope, any) { n++ })
	require.NoError(t, err)

	env, err := envelope.New(fabric.TypeHeartbeat, "fulcrum-server-1", fabric.Heartbeat{ServiceID: "fulcrum-server-1"})
	require.NoError(t, err)
	raw := envelope.Encode(env)

	require.NoError(t, tr.Publish(ctx, fabric.ServerChannel("temp-bbbb0002"), raw))
	require.NoError(t, tr.Publish(ctx, fabric.ServerChannel("temp-bbbb0002"), raw))

	assert.Equal(t, 1, n, "second directed delivery of the same correlation id must be dropped")
}

func TestRegistrationResponseBypassesDedup(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	receiver := newTestBus(t, tr, "temp-bbbb0002")

	n := 0
	_, err := receiver.Handle(fabric.TypeRegistrationResponse, func(context.Context, *envelope.Envelope, any) { n++ })
	require.NoError(t, err)

	env, err := envelope.New(fabric.TypeRegistrationResponse, "fulcrum-registry-1", fabric.RegistrationResponse{TempID: "temp-x"})
	require.NoError(t, err)
	raw := envelope.Encode(env)

	require.NoError(t, tr.Publish(ctx, fabric.ServerChannel("temp-bbbb0002"), raw))
	require.NoError(t, tr.Publish(ctx, fabric.ServerChannel("temp-bbbb0002"), raw))

	assert.Equal(t, 2, n, "registration responses dedup at the handler, not the bus")
}

func TestRequestResponseRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	requester := newTestBus(t, tr, "temp-aaaa0001")
	responder := newTestBus(t, tr, "temp-bbbb0002")

	_, err := responder.Handle("stats.query", func(hctx context.Context, env *envelope.Envelope, _ any) {
		responder.Respond(hctx, env, "stats.response", map[string]int{"players": 12})
	})
	require.NoError(t, err)

	resp, err := requester.Request(ctx, "temp-bbbb0002", "stats.query", nil, time.Second)
	require.NoError(t, err)
	tree, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 12, tree["players"])
	assert.Equal(t, "stats.response", resp.Envelope.Type)
	assert.Equal(t, "temp-bbbb0002", resp.Envelope.SenderID)
}

func TestRequestWithoutHandlerFailsFast(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	requester := newTestBus(t, tr, "temp-aaaa0001")
	newTestBus(t, tr, "temp-bbbb0002")

	resp, err := requester.Request(ctx, "temp-bbbb0002", "stats.query", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stats.query_response", resp.Envelope.Type)
	tree, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, tree["error"], "No handler")
}

func TestRequestTimesOutAndForgetsPending(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	requester := newTestBus(t, tr, "temp-aaaa0001")

	_, err := requester.Request(ctx, "fulcrum-server-9", "stats.query", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	requester.mu.Lock()
	defer requester.mu.Unlock()
	assert.Empty(t, requester.pending, "timed-out request must not leak its pending entry")
}

func TestRequestHonorsContextCancellation(t *testing.T) {
	tr := memory.New()
	requester := newTestBus(t, tr, "temp-aaaa0001")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := requester.Request(ctx, "fulcrum-server-9", "stats.query", nil, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestShutdownFailsPendingRequests(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	requester := newTestBus(t, tr, "temp-aaaa0001")

	errc := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_, err := requester.Request(ctx, "fulcrum-server-9", "stats.query", nil, 10*time.Second)
		errc <- err
	}()
	<-started
	// Let the request register its pending entry before shutting down.
	require.Eventually(t, func() bool {
		requester.mu.Lock()
		defer requester.mu.Unlock()
		return len(requester.pending) == 1
	}, time.Second, time.Millisecond)

	requester.Shutdown(ctx)
	require.ErrorIs(t, <-errc, ErrBusClosed)
}

func TestRotateIDMovesDirectedTriple(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	sender := newTestBus(t, tr, "temp-aaaa0001")
	receiver := newTestBus(t, tr, "temp-bbbb0002")

	var heartbeats int
	_, err := receiver.Handle(fabric.TypeHeartbeat, func(context.Context, *envelope.Envelope, any) { heartbeats++ })
	require.NoError(t, err)

	require.NoError(t, receiver.RotateID(ctx, "fulcrum-server-1"))
	assert.Equal(t, "fulcrum-server-1", receiver.ServiceID())

	sender.Send(ctx, "fulcrum-server-1", fabric.TypeHeartbeat, fabric.Heartbeat{ServiceID: "x"})
	assert.Equal(t, 1, heartbeats, "new directed channel must be live after rotation")

	sender.Send(ctx, "temp-bbbb0002", fabric.TypeHeartbeat, fabric.Heartbeat{ServiceID: "y"})
	assert.Equal(t, 1, heartbeats, "old directed channel must be closed after rotation")
}

func TestHandlerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	sender := newTestBus(t, tr, "temp-aaaa0001")
	receiver := newTestBus(t, tr, "temp-bbbb0002")

	calls := 0
	_, err := receiver.Subscribe(ctx, fabric.TypeAnnouncement, func(context.Context, *envelope.Envelope, any) {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = receiver.Subscribe(ctx, fabric.TypeAnnouncement, func(context.Context, *envelope.Envelope, any) {
		calls++
	})
	require.NoError(t, err)

	sender.Broadcast(ctx, fabric.TypeAnnouncement, fabric.Announcement{ServiceID: "s"})
	assert.Equal(t, 1, calls, "a panicking handler must not starve the others")
}

func TestSubscriptionCloseStopsDispatch(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	sender := newTestBus(t, tr, "temp-aaaa0001")
	receiver := newTestBus(t, tr, "temp-bbbb0002")

	n := 0
	sub, err := receiver.Subscribe(ctx, fabric.TypeAnnouncement, func(context.Context, *envelope.Envelope, any) { n++ })
	require.NoError(t, err)

	sender.Broadcast(ctx, fabric.TypeAnnouncement, fabric.Announcement{ServiceID: "s"})
	require.NoError(t, sub.Close())
	sender.Broadcast(ctx, fabric.TypeAnnouncement, fabric.Announcement{ServiceID: "s"})

	assert.Equal(t, 1, n)
}

func TestStartSweepsStaleMessageKeys(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	require.NoError(t, tr.SetWithTTL(ctx, fabric.KeyMsgID("old"), "1", 0))
	require.NoError(t, tr.SetWithTTL(ctx, fabric.KeyMsgBody("old"), "{}", 0))
	require.NoError(t, tr.SetWithTTL(ctx, fabric.KeyServer("fulcrum-server-1"), "{}", 0))

	newTestBus(t, tr, "temp-aaaa0001")

	_, ok, err := tr.Get(ctx, fabric.KeyMsgID("old"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = tr.Get(ctx, fabric.KeyMsgBody("old"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = tr.Get(ctx, fabric.KeyServer("fulcrum-server-1"))
	require.NoError(t, err)
	assert.True(t, ok, "registry records must survive the message-key sweep")
}
