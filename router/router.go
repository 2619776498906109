// Package router implements the proxy-side player routing core: the
// slot-request / route-command / route-ack choreography, locate queries and
// initial server selection.
//
// Route handling is serialized on a single scheduler so proxy runtime state
// is only touched from one goroutine; the assignment map and the fleet view
// are concurrent structures shared with callers.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/bus"
	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/registry/view"
)

const (
	// DefaultFamily is the family players land in by default.
	DefaultFamily = "lobby"

	// PluginChannel carries route payloads to the backend the player
	// arrives on.
	PluginChannel = "fulcrum:route"

	// alreadyConnectedDelay is the pause before sending the route payload
	// to a player who is already on the target backend, giving the backend
	// time to finish its join handling.
	alreadyConnectedDelay = 50 * time.Millisecond
)

type (
	// Assignment is the proxy-side record of where a player was routed.
	Assignment struct {
		ServerID   string
		SlotID     string
		SlotSuffix string
		FamilyID   string
		UpdatedAt  time.Time
		Metadata   map[string]string
	}

	// Options configures a Router.
	Options struct {
		// Bus carries routing traffic. Required.
		Bus *bus.Bus
		// View is the cached fleet state. Required.
		View *view.View
		// Proxy is the host runtime. Required.
		Proxy Proxy
		// Scheduler defaults to an internal serial executor.
		Scheduler Scheduler
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}

	// Router owns the proxy side of player routing.
	Router struct {
		b     *bus.Bus
		view  *view.View
		proxy Proxy
		sched Scheduler
		now   func() time.Time

		mu          sync.RWMutex
		assignments map[string]Assignment
		routeSub    bus.Subscription
		subs        []bus.Subscription
		ownSched    bool
	}
)

// New builds a router. Call Start once the bus is up.
func New(opts Options) (*Router, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("router: bus is required")
	}
	if opts.View == nil {
		return nil, fmt.Errorf("router: view is required")
	}
	if opts.Proxy == nil {
		return nil, fmt.Errorf("router: proxy is required")
	}
	sched := opts.Scheduler
	own := false
	if sched == nil {
		sched = newSerialExecutor()
		own = true
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Router{
		b:           opts.Bus,
		view:        opts.View,
		proxy:       opts.Proxy,
		sched:       sched,
		now:         now,
		assignments: make(map[string]Assignment),
		ownSched:    own,
	}, nil
}

// Start registers the routing handlers and opens this proxy's route channel.
func (r *Router) Start(ctx context.Context) error {
	typed := []struct {
		msgType string
		h       bus.Handler
	}{
		{fabric.TypePlayerRouteCommand, r.onRouteCommand},
		{fabric.TypePlayerDisconnectCommand, r.onDisconnectCommand},
	}
	for _, t := range typed {
		sub, err := r.b.Handle(t.msgType, t.h)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	sub, err := r.b.Subscribe(ctx, fabric.TypePlayerLocateRequest, r.onLocateRequest)
	if err != nil {
		return fmt.Errorf("router: subscribe locate: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return r.openRouteChannel(ctx)
}

func (r *Router) openRouteChannel(ctx context.Context) error {
	channel := fabric.PlayerRouteChannel(r.b.ServiceID())
	sub, err := r.b.SubscribeChannel(ctx, channel)
	if err != nil {
		return fmt.Errorf("router: subscribe %s: %w", channel, err)
	}
	r.mu.Lock()
	old := r.routeSub
	r.routeSub = sub
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// RotateProxyID re-subscribes the route channel after the proxy's identity
// changed. Commands still in flight on the old channel are ignored;
// outbound acks always carry the current id.
func (r *Router) RotateProxyID(ctx context.Context) error {
	return r.openRouteChannel(ctx)
}

// Close releases subscriptions and, if the router owns its scheduler, stops
// it.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	routeSub := r.routeSub
	r.routeSub = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	if routeSub != nil {
		_ = routeSub.Close()
	}
	if r.ownSched {
		r.sched.Close()
	}
}

// Assignment returns a player's current route assignment.
func (r *Router) Assignment(playerID string) (Assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assignments[playerID]
	return a, ok
}

// ForgetPlayer clears a player's assignment; the proxy calls this on
// disconnect.
func (r *Router) ForgetPlayer(playerID string) {
	r.mu.Lock()
	delete(r.assignments, playerID)
	r.mu.Unlock()
}

// ChooseInitialServer picks where a newly connected player lands: the best
// lobby, else the best healthy server of any role, else any registered
// server, else nothing — the caller disconnects the player.
func (r *Router) ChooseInitialServer(ctx context.Context, playerID string) (view.ServerInfo, bool) {
	if info, ok := r.FindOptimal(DefaultFamily); ok {
		return info, true
	}
	now := r.view.Now()
	var best *view.ServerInfo
	for _, info := range r.view.Snapshot() {
		info := info
		if !info.Metadata.Status.Accepting() || !info.Fresh(now, r.view.Staleness()) || !info.Metadata.Healthy() {
			continue
		}
		if best == nil || info.Metadata.LoadFactor() < best.Metadata.LoadFactor() {
			best = &info
		}
	}
	if best != nil {
		log.Printf(ctx, "router: no lobby for %s, falling back to %s", playerID, best.Identity.ServiceID)
		return *best, true
	}
	if all := r.view.Snapshot(); len(all) > 0 {
		log.Printf(ctx, "router: no healthy server for %s, falling back to %s", playerID, all[0].Identity.ServiceID)
		return all[0], true
	}
	log.Errorf(ctx, nil, "router: no server available for %s", playerID)
	return view.ServerInfo{}, false
}

// FindOptimal returns the lowest-load healthy fresh server of one role, or
// failing that the first unhealthy server of the same role. It never
// crosses roles.
func (r *Router) FindOptimal(role string) (view.ServerInfo, bool) {
	now := r.view.Now()
	var best, firstUnhealthy *view.ServerInfo
	for _, info := range r.view.ByRole(role) {
		info := info
		if !info.Metadata.Status.Accepting() {
			continue
		}
		if info.Fresh(now, r.view.Staleness()) && info.Metadata.Healthy() {
			if best == nil || info.Metadata.LoadFactor() < best.Metadata.LoadFactor() {
				best = &info
			}
		} else if firstUnhealthy == nil {
			firstUnhealthy = &info
		}
	}
	if best != nil {
		return *best, true
	}
	if firstUnhealthy != nil {
		return *firstUnhealthy, true
	}
	return view.ServerInfo{}, false
}

// HandleSlotRequest broadcasts a slot request for the player and returns
// the request id used to correlate the eventual route command and ack.
func (r *Router) HandleSlotRequest(ctx context.Context, playerID, family string, metadata map[string]string) string {
	requestID := uuid.NewString()
	r.b.Broadcast(ctx, fabric.TypePlayerSlotRequest, fabric.PlayerSlotRequest{
		RequestID: requestID,
		PlayerID:  playerID,
		ProxyID:   r.b.ServiceID(),
		Family:    family,
		Metadata:  metadata,
	})
	return requestID
}

// onRouteCommand handles a route command from the registry. All the work
// runs on the serial scheduler.
func (r *Router) onRouteCommand(ctx context.Context, _ *envelope.Envelope, payload any) {
	cmd, ok := payload.(*fabric.PlayerRouteCommand)
	if !ok {
		return
	}
	r.sched.Schedule(func() { r.route(ctx, cmd) })
}

func (r *Router) route(ctx context.Context, cmd *fabric.PlayerRouteCommand) {
	player, online := r.proxy.Player(cmd.PlayerID)
	if !online {
		r.ack(ctx, cmd, fabric.AckFailed, fabric.ReasonPlayerOffline)
		return
	}
	if !r.view.Known(cmd.ServerID) {
		r.ack(ctx, cmd, fabric.AckFailed, fabric.ReasonBackendNotFound)
		return
	}

	if current, onServer := player.CurrentServer(); onServer && current == cmd.ServerID {
		// Already there: deliver the route payload after a short delay and
		// ack without reconnecting.
		time.AfterFunc(alreadyConnectedDelay, func() {
			r.sched.Schedule(func() { r.deliverRoutePayload(ctx, player, cmd) })
		})
		r.recordAssignment(cmd)
		r.ack(ctx, cmd, fabric.AckSuccess, "")
		return
	}

	if err := player.Connect(ctx, cmd.ServerID); err != nil {
		log.Errorf(ctx, err, "router: connect %s to %s", cmd.PlayerID, cmd.ServerID)
		r.ack(ctx, cmd, fabric.AckFailed, fabric.ReasonConnectionFailed)
		return
	}
	r.deliverRoutePayload(ctx, player, cmd)
	// The assignment map reflects the new location before the ack goes out.
	r.recordAssignment(cmd)
	r.ack(ctx, cmd, fabric.AckSuccess, "")
}

func (r *Router) deliverRoutePayload(ctx context.Context, player PlayerConn, cmd *fabric.PlayerRouteCommand) {
	data, err := json.Marshal(cmd)
	if err != nil {
		log.Errorf(ctx, err, "router: encode route payload for %s", cmd.PlayerID)
		return
	}
	if err := player.SendPluginMessage(ctx, PluginChannel, data); err != nil {
		log.Errorf(ctx, err, "router: plugin message for %s", cmd.PlayerID)
	}
}

func (r *Router) recordAssignment(cmd *fabric.PlayerRouteCommand) {
	r.mu.Lock()
	r.assignments[cmd.PlayerID] = Assignment{
		ServerID:   cmd.ServerID,
		SlotID:     cmd.SlotID,
		SlotSuffix: cmd.SlotSuffix,
		FamilyID:   cmd.FamilyID,
		UpdatedAt:  r.now(),
		Metadata:   cmd.Metadata,
	}
	r.mu.Unlock()
}

func (r *Router) ack(ctx context.Context, cmd *fabric.PlayerRouteCommand, status, reason string) {
	r.b.Broadcast(ctx, fabric.TypePlayerRouteAck, fabric.PlayerRouteAck{
		RequestID: cmd.RequestID,
		PlayerID:  cmd.PlayerID,
		ProxyID:   r.b.ServiceID(),
		ServerID:  cmd.ServerID,
		Status:    status,
		Reason:    reason,
	})
}

// onDisconnectCommand kicks the player and forgets the assignment.
func (r *Router) onDisconnectCommand(ctx context.Context, _ *envelope.Envelope, payload any) {
	cmd, ok := payload.(*fabric.PlayerDisconnectCommand)
	if !ok {
		return
	}
	r.sched.Schedule(func() {
		if player, online := r.proxy.Player(cmd.PlayerID); online {
			if err := player.Disconnect(ctx, cmd.Reason); err != nil {
				log.Errorf(ctx, err, "router: disconnect %s", cmd.PlayerID)
			}
		}
		r.ForgetPlayer(cmd.PlayerID)
	})
}

// onLocateRequest answers when this proxy holds the player; otherwise the
// request is dropped and some other proxy answers.
func (r *Router) onLocateRequest(ctx context.Context, _ *envelope.Envelope, payload any) {
	req, ok := payload.(*fabric.PlayerLocateRequest)
	if !ok {
		return
	}
	a, held := r.Assignment(req.PlayerID)
	if !held {
		return
	}
	r.b.Broadcast(ctx, fabric.TypePlayerLocateResponse, fabric.PlayerLocateResponse{
		RequestID:  req.RequestID,
		PlayerID:   req.PlayerID,
		Found:      true,
		ServerID:   a.ServerID,
		SlotID:     a.SlotID,
		SlotSuffix: a.SlotSuffix,
		FamilyID:   a.FamilyID,
	})
}
