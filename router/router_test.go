package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrummc/fulcrum/bus"
	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/registry/view"
	"github.com/fulcrummc/fulcrum/transport"
	"github.com/fulcrummc/fulcrum/transport/memory"
)

// syncScheduler runs tasks inline so tests observe effects immediately.
type syncScheduler struct{}

func (syncScheduler) Schedule(fn func()) { fn() }
func (syncScheduler) Close()             {}

type (
	fakeProxy struct {
		mu      sync.Mutex
		players map[string]*fakePlayer
	}

	fakePlayer struct {
		mu          sync.Mutex
		id          string
		current     string
		connectErr  error
		connects    []string
		messages    [][]byte
		disconnects []string
	}
)

func newFakeProxy() *fakeProxy {
	return &fakeProxy{players: make(map[string]*fakePlayer)}
}

func (f *fakeProxy) add(id string) *fakePlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePlayer{id: id}
	f.players[id] = p
	return p
}

func (f *fakeProxy) Player(playerID string) (PlayerConn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.players[playerID]
	if !ok {
		return nil, false
	}
	return p, true
}

func (p *fakePlayer) ID() string { return p.id }

func (p *fakePlayer) CurrentServer() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.current != ""
}

func (p *fakePlayer) Connect(_ context.Context, serverID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects = append(p.connects, serverID)
	if p.connectErr != nil {
		return p.connectErr
	}
	p.current = serverID
	return nil
}

func (p *fakePlayer) SendPluginMessage(_ context.Context, _ string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, data)
	return nil
}

func (p *fakePlayer) Disconnect(_ context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, reason)
	return nil
}

func (p *fakePlayer) messageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// fixture is a routed proxy plus a second bus standing in for the registry
// and the rest of the fleet.
type fixture struct {
	tr     transport.Transport
	router *Router
	view   *view.View
	proxy  *fakeProxy
	fleet  *bus.Bus

	mu   sync.Mutex
	acks []*fabric.PlayerRouteAck
}

func newRouterBus(t *testing.T, tr transport.Transport, id string) *bus.Bus {
	t.Helper()
	b, err := bus.New(bus.Options{
		Transport: tr,
		Types:     envelope.NewTypeRegistry(),
		ServiceID: id,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return b
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	tr := memory.New()

	proxyBus := newRouterBus(t, tr, "fulcrum-proxy-0")
	v, err := view.New(view.Options{Bus: proxyBus})
	require.NoError(t, err)
	require.NoError(t, v.Start(ctx))
	t.Cleanup(v.Close)

	proxy := newFakeProxy()
	r, err := New(Options{Bus: proxyBus, View: v, Proxy: proxy, Scheduler: syncScheduler{}})
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Close)

	f := &fixture{tr: tr, router: r, view: v, proxy: proxy, fleet: newRouterBus(t, tr, "temp-fleet")}
	_, err = f.fleet.Subscribe(ctx, fabric.TypePlayerRouteAck, func(_ context.Context, _ *envelope.Envelope, payload any) {
		if ack, ok := payload.(*fabric.PlayerRouteAck); ok {
			f.mu.Lock()
			f.acks = append(f.acks, ack)
			f.mu.Unlock()
		}
	})
	require.NoError(t, err)
	return f
}

// announce makes a backend known to the view with the given load shape.
func (f *fixture) announce(t *testing.T, serviceID, role string, players int, tps float64) {
	t.Helper()
	ctx := context.Background()
	f.fleet.Broadcast(ctx, fabric.TypeAnnouncement, fabric.Announcement{
		ServiceID: serviceID,
		Role:      role,
	})
	f.fleet.Broadcast(ctx, fabric.TypeHeartbeat, fabric.Heartbeat{
		ServiceID:   serviceID,
		Role:        role,
		PlayerCount: players,
		MaxCapacity: 100,
		TPS:         tps,
		Status:      fabric.StatusAvailable,
	})
}

func (f *fixture) sendRoute(ctx context.Context, cmd fabric.PlayerRouteCommand) {
	f.fleet.PublishTo(ctx, fabric.PlayerRouteChannel("fulcrum-proxy-0"), fabric.TypePlayerRouteCommand, cmd)
}

func (f *fixture) lastAck(t *testing.T) *fabric.PlayerRouteAck {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.acks)
	return f.acks[len(f.acks)-1]
}

func TestRouteConnectsAndAcks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)
	player := f.proxy.add("player-1")

	f.sendRoute(ctx, fabric.PlayerRouteCommand{
		Action:    fabric.RouteActionRoute,
		RequestID: "req-1",
		PlayerID:  "player-1",
		ServerID:  "lobby-0",
		SlotID:    "lobby-abc123",
		FamilyID:  "lobby",
	})

	ack := f.lastAck(t)
	assert.Equal(t, fabric.AckSuccess, ack.Status)
	assert.Equal(t, "req-1", ack.RequestID)
	assert.Equal(t, "fulcrum-proxy-0", ack.ProxyID)

	assert.Equal(t, []string{"lobby-0"}, player.connects)
	assert.Equal(t, 1, player.messageCount(), "route payload goes to the backend plugin channel")

	a, ok := f.router.Assignment("player-1")
	require.True(t, ok)
	assert.Equal(t, "lobby-0", a.ServerID)
	assert.Equal(t, "lobby-abc123", a.SlotID)
}

func TestRouteRecordsAssignmentBeforeAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)
	f.proxy.add("player-1")

	// The in-memory transport delivers synchronously, so the ack handler
	// observes the router's state at the moment the ack was published.
	var assignedAtAck bool
	_, err := f.fleet.Subscribe(ctx, fabric.TypePlayerRouteAck, func(context.Context, *envelope.Envelope, any) {
		_, assignedAtAck = f.router.Assignment("player-1")
	})
	require.NoError(t, err)

	f.sendRoute(ctx, fabric.PlayerRouteCommand{
		RequestID: "req-1",
		PlayerID:  "player-1",
		ServerID:  "lobby-0",
	})

	assert.True(t, assignedAtAck, "assignment must be visible before the ack goes out")
}

func TestRouteOfflinePlayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)

	f.sendRoute(ctx, fabric.PlayerRouteCommand{
		RequestID: "req-1",
		PlayerID:  "ghost",
		ServerID:  "lobby-0",
	})

	ack := f.lastAck(t)
	assert.Equal(t, fabric.AckFailed, ack.Status)
	assert.Equal(t, fabric.ReasonPlayerOffline, ack.Reason)
	_, ok := f.router.Assignment("ghost")
	assert.False(t, ok)
}

func TestRouteUnknownBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	player := f.proxy.add("player-1")

	f.sendRoute(ctx, fabric.PlayerRouteCommand{
		RequestID: "req-1",
		PlayerID:  "player-1",
		ServerID:  "lobby-99",
	})

	ack := f.lastAck(t)
	assert.Equal(t, fabric.AckFailed, ack.Status)
	assert.Equal(t, fabric.ReasonBackendNotFound, ack.Reason)
	assert.Empty(t, player.connects, "no connection attempt against an unknown backend")
}

func TestRouteConnectionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)
	player := f.proxy.add("player-1")
	player.connectErr = errors.New("backend refused")

	f.sendRoute(ctx, fabric.PlayerRouteCommand{
		RequestID: "req-1",
		PlayerID:  "player-1",
		ServerID:  "lobby-0",
	})

	ack := f.lastAck(t)
	assert.Equal(t, fabric.AckFailed, ack.Status)
	assert.Equal(t, fabric.ReasonConnectionFailed, ack.Reason)
	_, ok := f.router.Assignment("player-1")
	assert.False(t, ok)
}

func TestRouteAlreadyOnTargetBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)
	player := f.proxy.add("player-1")
	player.current = "lobby-0"

	f.sendRoute(ctx, fabric.PlayerRouteCommand{
		RequestID: "req-1",
		PlayerID:  "player-1",
		ServerID:  "lobby-0",
	})

	ack := f.lastAck(t)
	assert.Equal(t, fabric.AckSuccess, ack.Status)
	assert.Empty(t, player.connects, "no reconnect when already on the target")

	_, ok := f.router.Assignment("player-1")
	assert.True(t, ok)

	// The route payload is delivered after a short settle delay.
	require.Eventually(t, func() bool { return player.messageCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)
	player := f.proxy.add("player-1")

	f.sendRoute(ctx, fabric.PlayerRouteCommand{RequestID: "req-1", PlayerID: "player-1", ServerID: "lobby-0"})
	_, ok := f.router.Assignment("player-1")
	require.True(t, ok)

	f.fleet.PublishTo(ctx, fabric.PlayerRouteChannel("fulcrum-proxy-0"), fabric.TypePlayerDisconnectCommand, fabric.PlayerDisconnectCommand{
		PlayerID: "player-1",
		Reason:   "banned",
	})

	assert.Equal(t, []string{"banned"}, player.disconnects)
	_, ok = f.router.Assignment("player-1")
	assert.False(t, ok)
}

func TestLocateRequestAnsweredOnlyWhenHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)
	f.proxy.add("player-1")

	var (
		mu        sync.Mutex
		responses []*fabric.PlayerLocateResponse
	)
	_, err := f.fleet.Subscribe(ctx, fabric.TypePlayerLocateResponse, func(_ context.Context, _ *envelope.Envelope, payload any) {
		if resp, ok := payload.(*fabric.PlayerLocateResponse); ok {
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	// Not held yet: the locate request goes unanswered.
	f.fleet.Broadcast(ctx, fabric.TypePlayerLocateRequest, fabric.PlayerLocateRequest{RequestID: "loc-1", PlayerID: "player-1"})
	mu.Lock()
	assert.Empty(t, responses)
	mu.Unlock()

	f.sendRoute(ctx, fabric.PlayerRouteCommand{RequestID: "req-1", PlayerID: "player-1", ServerID: "lobby-0", SlotID: "lobby-s1"})
	f.fleet.Broadcast(ctx, fabric.TypePlayerLocateRequest, fabric.PlayerLocateRequest{RequestID: "loc-2", PlayerID: "player-1"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Found)
	assert.Equal(t, "lobby-0", responses[0].ServerID)
	assert.Equal(t, "lobby-s1", responses[0].SlotID)
}

func TestFindOptimal(t *testing.T) {
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 80, 20)
	f.announce(t, "lobby-1", "lobby", 10, 20)
	f.announce(t, "survival-0", "survival", 0, 20)

	info, ok := f.router.FindOptimal("lobby")
	require.True(t, ok)
	assert.Equal(t, "lobby-1", info.Identity.ServiceID)

	// Only an unhealthy server of the role: still offered.
	f.announce(t, "skyblock-0", "skyblock", 10, 12)
	info, ok = f.router.FindOptimal("skyblock")
	require.True(t, ok)
	assert.Equal(t, "skyblock-0", info.Identity.ServiceID)

	_, ok = f.router.FindOptimal("bedwars")
	assert.False(t, ok, "roles never cross")
}

func TestChooseInitialServerPrefersLobby(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "survival-0", "survival", 0, 20)
	f.announce(t, "lobby-0", "lobby", 50, 20)

	info, ok := f.router.ChooseInitialServer(ctx, "player-1")
	require.True(t, ok)
	assert.Equal(t, "lobby-0", info.Identity.ServiceID)
}

func TestChooseInitialServerFallsBackAcrossRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "survival-0", "survival", 0, 20)

	info, ok := f.router.ChooseInitialServer(ctx, "player-1")
	require.True(t, ok)
	assert.Equal(t, "survival-0", info.Identity.ServiceID)
}

func TestChooseInitialServerLastResortAndEmptyFleet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, ok := f.router.ChooseInitialServer(ctx, "player-1")
	assert.False(t, ok, "an empty fleet has nowhere to land")

	// An unhealthy server is still better than a disconnect.
	f.announce(t, "survival-0", "survival", 10, 5)
	info, ok := f.router.ChooseInitialServer(ctx, "player-1")
	require.True(t, ok)
	assert.Equal(t, "survival-0", info.Identity.ServiceID)
}

func TestHandleSlotRequestBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var (
		mu       sync.Mutex
		requests []*fabric.PlayerSlotRequest
	)
	_, err := f.fleet.Subscribe(ctx, fabric.TypePlayerSlotRequest, func(_ context.Context, _ *envelope.Envelope, payload any) {
		if req, ok := payload.(*fabric.PlayerSlotRequest); ok {
			mu.Lock()
			requests = append(requests, req)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	id := f.router.HandleSlotRequest(ctx, "player-1", "survival", map[string]string{"party": "p9"})
	require.NotEmpty(t, id)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 1)
	assert.Equal(t, id, requests[0].RequestID)
	assert.Equal(t, "player-1", requests[0].PlayerID)
	assert.Equal(t, "fulcrum-proxy-0", requests[0].ProxyID)
	assert.Equal(t, "survival", requests[0].Family)
	assert.Equal(t, "p9", requests[0].Metadata["party"])
}

func TestRotateProxyIDMovesRouteChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, "lobby-0", "lobby", 5, 20)
	f.proxy.add("player-1")

	require.NoError(t, f.router.b.RotateID(ctx, "fulcrum-proxy-7"))
	require.NoError(t, f.router.RotateProxyID(ctx))

	f.fleet.PublishTo(ctx, fabric.PlayerRouteChannel("fulcrum-proxy-7"), fabric.TypePlayerRouteCommand, fabric.PlayerRouteCommand{
		RequestID: "req-1",
		PlayerID:  "player-1",
		ServerID:  "lobby-0",
	})

	ack := f.lastAck(t)
	assert.Equal(t, fabric.AckSuccess, ack.Status)
	assert.Equal(t, "fulcrum-proxy-7", ack.ProxyID)

	// The old channel is closed; commands there go nowhere.
	f.mu.Lock()
	before := len(f.acks)
	f.mu.Unlock()
	f.sendRoute(ctx, fabric.PlayerRouteCommand{RequestID: "req-2", PlayerID: "player-1", ServerID: "lobby-0"})
	f.mu.Lock()
	assert.Equal(t, before, len(f.acks))
	f.mu.Unlock()
}
