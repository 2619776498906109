package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/fulcrummc/fulcrum/bus"
	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/transport"
)

// DefaultSweepInterval is how often the crash sweep runs.
const DefaultSweepInterval = 15 * time.Second

type (
	// Registry is the coordinator-side assembly: the directory service wired
	// to the bus, plus the crash sweeper.
	//
	// Multiple registry nodes may serve the same fleet by pointing Config.Redis
	// at the same instance with the same Name: id claims replicate through a
	// shared map and the crash sweep fires on exactly one node per interval.
	Registry struct {
		svc      *Service
		b        *bus.Bus
		interval time.Duration
		timeout  time.Duration

		members  *rmap.Map
		poolNode *pool.Node
		ticker   *pool.Ticker

		mu      sync.Mutex
		subs    []bus.Subscription
		started bool

		closeOnce sync.Once
		closeCh   chan struct{}
		wg        sync.WaitGroup
	}

	// Config configures a registry node.
	Config struct {
		// Transport backs the record store. Required.
		Transport transport.Transport
		// Bus carries registration, heartbeat and routing traffic. Required.
		Bus *bus.Bus
		// Redis enables multi-node coordination (claim map + distributed
		// sweep ticker). Optional; a single node runs fine without it.
		Redis *redis.Client
		// Name scopes the Pulse resources of one logical registry.
		// Defaults to "fulcrum".
		Name string
		// RecordTTL defaults to 120s; CrashTimeout to 60s; SweepInterval
		// to 15s.
		RecordTTL     time.Duration
		CrashTimeout  time.Duration
		SweepInterval time.Duration
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}
)

// New assembles a registry node. Call Start to begin serving.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("registry: transport is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("registry: bus is required")
	}
	name := cfg.Name
	if name == "" {
		name = "fulcrum"
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	timeout := cfg.CrashTimeout
	if timeout <= 0 {
		timeout = DefaultCrashTimeout
	}

	var (
		members  *rmap.Map
		poolNode *pool.Node
	)
	if cfg.Redis != nil {
		var err error
		members, err = rmap.Join(ctx, name+":server_ids", cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("registry: join claim map: %w", err)
		}
		poolNode, err = pool.AddNode(ctx, name+":registry", cfg.Redis)
		if err != nil {
			members.Close()
			return nil, fmt.Errorf("registry: join pool: %w", err)
		}
	}

	svc, err := NewService(ServiceOptions{
		Transport:    cfg.Transport,
		Members:      members,
		RecordTTL:    cfg.RecordTTL,
		CrashTimeout: cfg.CrashTimeout,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		svc:      svc,
		b:        cfg.Bus,
		interval: interval,
		timeout:  timeout,
		members:  members,
		poolNode: poolNode,
		closeCh:  make(chan struct{}),
	}, nil
}

// Service exposes the directory operations.
func (r *Registry) Service() *Service { return r.svc }

// Start subscribes the registry's bus handlers and launches the crash
// sweeper.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	handlers := []struct {
		msgType string
		h       bus.Handler
	}{
		{fabric.TypeRegistrationRequest, r.onRegistrationRequest},
		{fabric.TypeHeartbeat, r.onHeartbeat},
		{fabric.TypeServerRemoved, r.onRemoval},
		{fabric.TypePlayerSlotRequest, r.onSlotRequest},
	}
	for _, h := range handlers {
		sub, err := r.b.Subscribe(ctx, h.msgType, h.h)
		if err != nil {
			return fmt.Errorf("registry: subscribe %s: %w", h.msgType, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	if r.poolNode != nil {
		ticker, err := r.poolNode.NewTicker(ctx, "fulcrum:crash-sweep", r.interval)
		if err != nil {
			return fmt.Errorf("registry: crash-sweep ticker: %w", err)
		}
		r.ticker = ticker
		r.wg.Add(1)
		go r.sweepLoopDistributed(ctx, ticker)
	} else {
		r.wg.Add(1)
		go r.sweepLoopLocal(ctx)
	}
	log.Printf(ctx, "registry: serving")
	return nil
}

func (r *Registry) sweepLoopLocal(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweepLoopDistributed(ctx context.Context, ticker *pool.Ticker) {
	defer r.wg.Done()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	crashed, err := r.svc.CheckCrashed(ctx, r.timeout)
	if err != nil {
		log.Errorf(ctx, err, "registry: crash sweep")
		return
	}
	for _, id := range crashed {
		log.Printf(ctx, "registry: %s missed its heartbeat window, marked OFFLINE", id)
	}
}

// onRegistrationRequest allocates an id and broadcasts the response. The
// response goes to the shared registration-response channel; the requester
// matches on its temp id.
func (r *Registry) onRegistrationRequest(ctx context.Context, _ *envelope.Envelope, payload any) {
	req, ok := payload.(*fabric.RegistrationRequest)
	if !ok {
		return
	}
	res, err := r.svc.Register(ctx, *req, req.InstanceUUID)
	if err != nil {
		log.Errorf(ctx, err, "registry: register %s", req.TempID)
		r.b.Broadcast(ctx, fabric.TypeRegistrationResponse, fabric.RegistrationResponse{
			TempID:  req.TempID,
			Success: false,
			Error:   err.Error(),
		})
		return
	}
	r.b.Broadcast(ctx, fabric.TypeRegistrationResponse, fabric.RegistrationResponse{
		TempID:           req.TempID,
		Success:          true,
		AssignedServerID: res.ServiceID,
		Reclaimed:        res.Reclaimed,
	})
}

// onHeartbeat refreshes the record. A heartbeat from an id the registry
// does not know signals drift, answered with a targeted re-registration
// request.
func (r *Registry) onHeartbeat(ctx context.Context, _ *envelope.Envelope, payload any) {
	hb, ok := payload.(*fabric.Heartbeat)
	if !ok || hb.ServiceID == "" {
		return
	}
	// The final beat of a departing service must not refresh its record or
	// trigger the drift path; the removal notification owns the teardown.
	if hb.Status == fabric.StatusShutdown || hb.Status == fabric.StatusStopping {
		return
	}
	err := r.svc.Heartbeat(ctx, *hb)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrNotFound) {
		log.Errorf(ctx, err, "registry: heartbeat %s", hb.ServiceID)
		return
	}
	log.Printf(ctx, "registry: heartbeat from unknown %s, requesting re-registration", hb.ServiceID)
	req := fabric.ReregisterRequest{ServiceID: hb.ServiceID, Reason: "unknown-id"}
	r.b.Broadcast(ctx, fabric.TypeReregisterRequest, req)
	r.b.PublishTo(ctx, fabric.ReregisterChannel(hb.ServiceID), fabric.TypeReregisterRequest, req)
}

func (r *Registry) onRemoval(ctx context.Context, _ *envelope.Envelope, payload any) {
	n, ok := payload.(*fabric.RemovalNotification)
	if !ok || n.ServiceID == "" {
		return
	}
	if err := r.svc.Unregister(ctx, n.ServiceID); err != nil {
		log.Errorf(ctx, err, "registry: unregister %s (%s)", n.ServiceID, n.Reason)
	}
}

// onSlotRequest brokers a player slot: pick the family's best server and
// command the requesting proxy to route the player there.
func (r *Registry) onSlotRequest(ctx context.Context, _ *envelope.Envelope, payload any) {
	req, ok := payload.(*fabric.PlayerSlotRequest)
	if !ok || req.ProxyID == "" {
		return
	}
	rec, err := r.svc.BestServer(ctx, req.Family)
	if err != nil {
		log.Printf(ctx, "registry: no slot for player %s in family %s: %v", req.PlayerID, req.Family, err)
		return
	}
	r.b.PublishTo(ctx, fabric.PlayerRouteChannel(req.ProxyID), fabric.TypePlayerRouteCommand, fabric.PlayerRouteCommand{
		Action:    fabric.RouteActionRoute,
		RequestID: req.RequestID,
		PlayerID:  req.PlayerID,
		ServerID:  rec.Identity.ServiceID,
		SlotID:    newSlotID(req.Family),
		FamilyID:  req.Family,
		Metadata:  req.Metadata,
	})
}

func newSlotID(family string) string {
	return family + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Evacuate asks one service to drain: its record moves to EVACUATING and an
// evacuation request goes out on the shared channel.
func (r *Registry) Evacuate(ctx context.Context, serviceID, reason string) error {
	if err := r.svc.UpdateStatus(ctx, serviceID, fabric.StatusEvacuating); err != nil {
		return err
	}
	r.b.Broadcast(ctx, fabric.TypeEvacuationRequest, fabric.EvacuationRequest{
		ServiceID: serviceID,
		Reason:    reason,
	})
	return nil
}

// Close stops the sweeper, releases subscriptions and tears down the Pulse
// resources.
func (r *Registry) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closeCh)
		r.mu.Lock()
		subs := r.subs
		r.subs = nil
		r.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Close()
		}
		if r.ticker != nil {
			r.ticker.Stop()
		}
		r.wg.Wait()
		if r.poolNode != nil {
			if cerr := r.poolNode.Close(ctx); cerr != nil {
				err = fmt.Errorf("registry: close pool: %w", cerr)
			}
		}
		if r.members != nil {
			r.members.Close()
		}
		log.Printf(ctx, "registry: closed")
	})
	return err
}
