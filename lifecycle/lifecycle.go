// Package lifecycle drives one service's lifetime on the fabric: the
// registration exchange that trades a temp id for a permanent one, the
// heartbeat loop, re-registration and evacuation handling, and graceful
// shutdown.
//
// State machine:
//
//	STARTING → REGISTERING → AVAILABLE ⇄ FULL
//	                │            │
//	             (retry)     EVACUATING → STOPPING → STOPPED
//	                             ▲
//	                             └─ MAINTENANCE
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/bus"
	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
)

// Defaults mirror the fabric's configuration keys.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultMaxAttempts       = 5
	shutdownGrace            = 5 * time.Second
)

// ErrNotRegistered reports an operation that requires a permanent id before
// registration completed.
var ErrNotRegistered = errors.New("service not registered")

type (
	// Metrics is the mutable slice of a heartbeat. The pre-heartbeat
	// callback receives a snapshot and may adjust it before emission.
	Metrics struct {
		PlayerCount int
		MaxCapacity int
		TPS         float64
	}

	// Callbacks let the owning service observe lifecycle transitions. All
	// fields are optional. Callbacks run on the manager's scheduling
	// goroutines and must not block.
	Callbacks struct {
		OnStarted             func(ctx context.Context)
		OnRegistrationSuccess func(ctx context.Context, serviceID string)
		OnRegistrationFailure func(ctx context.Context, reason string)
		// OnHeartbeat fires before each heartbeat emission so the service
		// can refresh its metrics.
		OnHeartbeat func(ctx context.Context, m *Metrics)
		OnShutdown  func(ctx context.Context)
		OnStopped   func(ctx context.Context)
	}

	// Options configures a lifecycle manager.
	Options struct {
		// Bus carries all lifecycle traffic. Required. The bus must have
		// been created with the manager's temp id (see NewTempID).
		Bus *bus.Bus
		// ServiceType and Role identify the service to the registry.
		// ServiceType is required; Role defaults to the lowercase type.
		ServiceType fabric.ServiceType
		Role        string
		// Address and Port are how peers reach this service.
		Address string
		Port    int
		// MaxCapacity is the advertised player ceiling.
		MaxCapacity int
		// HeartbeatInterval defaults to 2s.
		HeartbeatInterval time.Duration
		// RetryDelay and MaxAttempts bound the registration exchange,
		// defaulting to 5s × 5.
		RetryDelay  time.Duration
		MaxAttempts int
		// Callbacks observe transitions.
		Callbacks Callbacks
	}

	// Manager owns one service's identity and lifecycle.
	Manager struct {
		b         *bus.Bus
		interval  time.Duration
		retry     time.Duration
		attempts  int
		callbacks Callbacks

		mu         sync.Mutex
		identity   fabric.Identity
		status     fabric.Status
		registered bool
		metrics    Metrics
		subs       []bus.Subscription
		retryStop  chan struct{}
		hbStop     chan struct{}
		stopped    bool

		wg sync.WaitGroup
	}
)

// NewTempID builds a registration-phase id: "temp-" followed by eight hex
// characters.
func NewTempID() string {
	return "temp-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// New builds a lifecycle manager around a started bus. The manager's temp id
// is the bus's current service id.
func New(opts Options) (*Manager, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("lifecycle: bus is required")
	}
	if opts.ServiceType == "" {
		return nil, fmt.Errorf("lifecycle: service type is required")
	}
	role := opts.Role
	if role == "" {
		role = strings.ToLower(string(opts.ServiceType))
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = DefaultRetryDelay
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	tempID := opts.Bus.ServiceID()
	if !strings.HasPrefix(tempID, "temp-") {
		return nil, fmt.Errorf("lifecycle: bus id %q is not a temp id", tempID)
	}
	return &Manager{
		b:         opts.Bus,
		interval:  interval,
		retry:     retry,
		attempts:  attempts,
		callbacks: opts.Callbacks,
		identity: fabric.Identity{
			TempID:       tempID,
			ServiceType:  opts.ServiceType,
			Role:         role,
			Address:      opts.Address,
			Port:         opts.Port,
			InstanceUUID: uuid.NewString(),
			StartedAt:    time.Now().UnixMilli(),
		},
		status:  fabric.StatusStarting,
		metrics: Metrics{MaxCapacity: opts.MaxCapacity, TPS: 20},
	}, nil
}

// Identity returns a copy of the current identity. ServiceID is empty until
// registration succeeds.
func (m *Manager) Identity() fabric.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Status returns the current lifecycle status.
func (m *Manager) Status() fabric.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Registered reports whether the permanent id has been assigned.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// SetPlayerCount updates the player count carried by subsequent heartbeats.
func (m *Manager) SetPlayerCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.PlayerCount = n
}

// SetTPS updates the tick rate carried by subsequent heartbeats.
func (m *Manager) SetTPS(tps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.TPS = tps
}

// SetStatus moves between the mutable run states (AVAILABLE, FULL,
// MAINTENANCE, EVACUATING). Terminal states are owned by Shutdown.
func (m *Manager) SetStatus(s fabric.Status) error {
	switch s {
	case fabric.StatusAvailable, fabric.StatusFull, fabric.StatusMaintenance, fabric.StatusEvacuating:
	default:
		return fmt.Errorf("lifecycle: status %s is not caller-assignable", s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.status == fabric.StatusStopping || m.status == fabric.StatusStopped {
		return fmt.Errorf("lifecycle: cannot set %s after shutdown began", s)
	}
	m.status = s
	return nil
}

// Start subscribes the lifecycle channels and begins the registration
// exchange. It returns once the exchange is underway; completion is
// reported through the callbacks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status != fabric.StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: start from %s", m.status)
	}
	m.status = fabric.StatusRegistering
	m.retryStop = make(chan struct{})
	m.mu.Unlock()

	subs := []struct {
		msgType string
		h       bus.Handler
	}{
		{fabric.TypeRegistrationResponse, m.onRegistrationResponse},
		{fabric.TypeReregisterRequest, m.onReregisterRequest},
		{fabric.TypeEvacuationRequest, m.onEvacuationRequest},
	}
	for _, s := range subs {
		sub, err := m.b.Subscribe(ctx, s.msgType, s.h)
		if err != nil {
			return fmt.Errorf("lifecycle: subscribe %s: %w", s.msgType, err)
		}
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
	}

	if cb := m.callbacks.OnStarted; cb != nil {
		cb(ctx)
	}

	m.sendRegistration(ctx)
	m.wg.Add(1)
	go m.retryLoop(ctx)
	return nil
}

func (m *Manager) registrationRequest() fabric.RegistrationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fabric.RegistrationRequest{
		TempID:       m.identity.TempID,
		ServiceType:  m.identity.ServiceType,
		Role:         m.identity.Role,
		Address:      m.identity.Address,
		Port:         m.identity.Port,
		MaxCapacity:  m.metrics.MaxCapacity,
		InstanceUUID: m.identity.InstanceUUID,
	}
}

func (m *Manager) sendRegistration(ctx context.Context) {
	req := m.registrationRequest()
	log.Debugf(ctx, "lifecycle: registration request temp_id=%s role=%s", req.TempID, req.Role)
	m.b.Broadcast(ctx, fabric.TypeRegistrationRequest, req)
}

// retryLoop resends the registration request every retry interval until
// registration succeeds, the attempt budget is exhausted, or shutdown.
func (m *Manager) retryLoop(ctx context.Context) {
	defer m.wg.Done()
	m.mu.Lock()
	stop := m.retryStop
	m.mu.Unlock()

	ticker := time.NewTicker(m.retry)
	defer ticker.Stop()
	attempt := 1
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.Registered() {
				return
			}
			attempt++
			if attempt > m.attempts {
				reason := fmt.Sprintf("registration failed after %d attempts", m.attempts)
				log.Errorf(ctx, nil, "lifecycle: %s", reason)
				if cb := m.callbacks.OnRegistrationFailure; cb != nil {
					cb(ctx, reason)
				}
				return
			}
			log.Printf(ctx, "lifecycle: registration retry %d/%d", attempt, m.attempts)
			m.sendRegistration(ctx)
		}
	}
}

// onRegistrationResponse matches broadcast responses on our temp id. The
// channel-level dedup is bypassed for this type, so the handler ignores
// everything but the first success.
func (m *Manager) onRegistrationResponse(ctx context.Context, _ *envelope.Envelope, payload any) {
	resp, ok := payload.(*fabric.RegistrationResponse)
	if !ok || resp.TempID != m.Identity().TempID {
		return
	}
	if !resp.Success {
		log.Errorf(ctx, nil, "lifecycle: registration refused: %s", resp.Error)
		if cb := m.callbacks.OnRegistrationFailure; cb != nil {
			cb(ctx, resp.Error)
		}
		return
	}
	if resp.AssignedServerID == "" {
		log.Errorf(ctx, nil, "lifecycle: success response without assigned id")
		return
	}

	m.mu.Lock()
	if m.registered {
		m.mu.Unlock()
		return
	}
	m.registered = true
	m.identity.ServiceID = resp.AssignedServerID
	m.status = fabric.StatusAvailable
	if m.retryStop != nil {
		close(m.retryStop)
		m.retryStop = nil
	}
	m.hbStop = make(chan struct{})
	id := m.identity
	m.mu.Unlock()

	if err := m.b.RotateID(ctx, id.ServiceID); err != nil {
		log.Errorf(ctx, err, "lifecycle: rotate bus id to %s", id.ServiceID)
	}

	// The targeted re-registration channel only exists once the permanent
	// id does.
	if sub, err := m.b.SubscribeChannel(ctx, fabric.ReregisterChannel(id.ServiceID)); err == nil {
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
	} else {
		log.Errorf(ctx, err, "lifecycle: subscribe targeted reregister channel")
	}

	log.Printf(ctx, "lifecycle: registered as %s (was %s)", id.ServiceID, id.TempID)
	m.b.Broadcast(ctx, fabric.TypeAnnouncement, fabric.Announcement{
		ServiceID:   id.ServiceID,
		ServiceType: id.ServiceType,
		Role:        id.Role,
		Address:     id.Address,
		Port:        id.Port,
	})
	if cb := m.callbacks.OnRegistrationSuccess; cb != nil {
		cb(ctx, id.ServiceID)
	}

	m.wg.Add(1)
	go m.heartbeatLoop(ctx)
}

// heartbeatLoop fires immediately once AVAILABLE is reached, then every
// interval until shutdown.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	m.mu.Lock()
	stop := m.hbStop
	m.mu.Unlock()

	m.emitHeartbeat(ctx, "")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.emitHeartbeat(ctx, "")
		}
	}
}

// emitHeartbeat runs the pre-heartbeat callback, then publishes the
// heartbeat. statusOverride replaces the current status when non-empty
// (used for the final SHUTDOWN beat).
func (m *Manager) emitHeartbeat(ctx context.Context, statusOverride fabric.Status) {
	m.mu.Lock()
	metrics := m.metrics
	m.mu.Unlock()

	if cb := m.callbacks.OnHeartbeat; cb != nil {
		cb(ctx, &metrics)
	}

	m.mu.Lock()
	m.metrics = metrics
	id := m.identity
	status := m.status
	m.mu.Unlock()
	if statusOverride != "" {
		status = statusOverride
	}
	if id.ServiceID == "" {
		return
	}

	m.b.Broadcast(ctx, fabric.TypeHeartbeat, fabric.Heartbeat{
		ServiceID:   id.ServiceID,
		PlayerCount: metrics.PlayerCount,
		MaxCapacity: metrics.MaxCapacity,
		TPS:         metrics.TPS,
		UptimeMs:    time.Now().UnixMilli() - id.StartedAt,
		Role:        id.Role,
		Status:      status,
	})
}

// onReregisterRequest answers both the global and the targeted channel: the
// registration request is resent, and a registered service also heartbeats
// immediately so the registry converges fast.
func (m *Manager) onReregisterRequest(ctx context.Context, _ *envelope.Envelope, payload any) {
	req, ok := payload.(*fabric.ReregisterRequest)
	if !ok {
		return
	}
	id := m.Identity()
	if req.ServiceID != "" && req.ServiceID != id.ServiceID && req.ServiceID != id.TempID {
		return
	}
	log.Printf(ctx, "lifecycle: re-registration requested (reason=%s)", req.Reason)
	m.sendRegistration(ctx)
	if m.Registered() {
		m.emitHeartbeat(ctx, "")
	}
}

// onEvacuationRequest moves the service to EVACUATING and acknowledges.
func (m *Manager) onEvacuationRequest(ctx context.Context, _ *envelope.Envelope, payload any) {
	req, ok := payload.(*fabric.EvacuationRequest)
	if !ok {
		return
	}
	id := m.Identity()
	if req.ServiceID != id.ServiceID {
		return
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.status = fabric.StatusEvacuating
	m.mu.Unlock()
	log.Printf(ctx, "lifecycle: evacuating (reason=%s)", req.Reason)
	m.b.Broadcast(ctx, fabric.TypeEvacuationResponse, fabric.EvacuationResponse{
		ServiceID: id.ServiceID,
		Accepted:  true,
	})
}

// Shutdown walks the service out: STOPPING, loops cancelled, removal
// notification, a final heartbeat carrying SHUTDOWN, then STOPPED. Loop
// goroutines get a five second grace before Shutdown stops waiting.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.status = fabric.StatusStopping
	if m.retryStop != nil {
		close(m.retryStop)
		m.retryStop = nil
	}
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	id := m.identity
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	if id.ServiceID != "" {
		m.b.Broadcast(ctx, fabric.TypeServerRemoved, fabric.RemovalNotification{
			ServiceID:   id.ServiceID,
			ServiceType: id.ServiceType,
			Reason:      fabric.RemovalReasonShutdown,
		})
		m.emitHeartbeat(ctx, fabric.StatusShutdown)
	}

	if cb := m.callbacks.OnShutdown; cb != nil {
		cb(ctx)
	}

	for _, sub := range subs {
		_ = sub.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Errorf(ctx, nil, "lifecycle: loops did not stop within %s", shutdownGrace)
	}

	m.mu.Lock()
	m.status = fabric.StatusStopped
	m.mu.Unlock()
	if cb := m.callbacks.OnStopped; cb != nil {
		cb(ctx)
	}
	log.Printf(ctx, "lifecycle: stopped (%s)", id.ServiceID)
}
