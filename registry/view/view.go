// Package view maintains a consumer-side cache of the fleet, fed by the
// announcement, heartbeat and removal traffic on the bus. Proxies use it to
// make routing decisions without a round trip to the registry.
//
// The view is eventually consistent: entries go stale when their server
// stops heartbeating and are ignored by queries after the staleness window.
package view

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/bus"
	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
)

// DefaultStaleness is the metric staleness window.
const DefaultStaleness = 10 * time.Second

type (
	// ServerInfo is one cached fleet entry.
	ServerInfo struct {
		Identity   fabric.Identity
		Metadata   fabric.Metadata
		LastUpdate time.Time
	}

	// Options configures a View.
	Options struct {
		// Bus feeds the view. Required.
		Bus *bus.Bus
		// Staleness defaults to 10s.
		Staleness time.Duration
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}

	// View is the cached fleet state. Safe for concurrent use.
	View struct {
		b     *bus.Bus
		stale time.Duration
		now   func() time.Time

		mu      sync.RWMutex
		servers map[string]*ServerInfo
		subs    []bus.Subscription
	}
)

// Fresh reports whether the entry was updated within the staleness window.
func (s *ServerInfo) Fresh(now time.Time, stale time.Duration) bool {
	return now.Sub(s.LastUpdate) <= stale
}

// New builds a fleet view. Call Start to begin consuming lifecycle traffic.
func New(opts Options) (*View, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("view: bus is required")
	}
	stale := opts.Staleness
	if stale <= 0 {
		stale = DefaultStaleness
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &View{
		b:       opts.Bus,
		stale:   stale,
		now:     now,
		servers: make(map[string]*ServerInfo),
	}, nil
}

// Start subscribes the view to announcements, heartbeats and removals.
func (v *View) Start(ctx context.Context) error {
	handlers := []struct {
		msgType string
		h       bus.Handler
	}{
		{fabric.TypeAnnouncement, v.onAnnouncement},
		{fabric.TypeHeartbeat, v.onHeartbeat},
		{fabric.TypeServerRemoved, v.onRemoval},
	}
	for _, h := range handlers {
		sub, err := v.b.Subscribe(ctx, h.msgType, h.h)
		if err != nil {
			return fmt.Errorf("view: subscribe %s: %w", h.msgType, err)
		}
		v.mu.Lock()
		v.subs = append(v.subs, sub)
		v.mu.Unlock()
	}
	return nil
}

// Close releases the view's subscriptions.
func (v *View) Close() {
	v.mu.Lock()
	subs := v.subs
	v.subs = nil
	v.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (v *View) onAnnouncement(ctx context.Context, _ *envelope.Envelope, payload any) {
	a, ok := payload.(*fabric.Announcement)
	if !ok || a.ServiceID == "" {
		return
	}
	now := v.now()
	v.mu.Lock()
	info, exists := v.servers[a.ServiceID]
	if !exists {
		info = &ServerInfo{}
		v.servers[a.ServiceID] = info
	}
	info.Identity = fabric.Identity{
		ServiceID:   a.ServiceID,
		ServiceType: a.ServiceType,
		Role:        a.Role,
		Address:     a.Address,
		Port:        a.Port,
	}
	if info.Metadata.Status == "" {
		info.Metadata.Status = fabric.StatusAvailable
	}
	info.LastUpdate = now
	v.mu.Unlock()
	log.Debugf(ctx, "view: %s joined (%s/%s)", a.ServiceID, a.ServiceType, a.Role)
}

func (v *View) onHeartbeat(_ context.Context, _ *envelope.Envelope, payload any) {
	hb, ok := payload.(*fabric.Heartbeat)
	if !ok || hb.ServiceID == "" {
		return
	}
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	info, exists := v.servers[hb.ServiceID]
	if !exists {
		info = &ServerInfo{Identity: fabric.Identity{ServiceID: hb.ServiceID, Role: hb.Role}}
		v.servers[hb.ServiceID] = info
	}
	if hb.Role != "" {
		info.Identity.Role = hb.Role
	}
	info.Metadata.PlayerCount = hb.PlayerCount
	if hb.MaxCapacity > 0 {
		info.Metadata.MaxCapacity = hb.MaxCapacity
	}
	info.Metadata.TPS = hb.TPS
	if hb.Status != "" {
		info.Metadata.Status = hb.Status
	}
	info.Metadata.LastHeartbeatAt = now.UnixMilli()
	info.LastUpdate = now
	if hb.Status == fabric.StatusShutdown {
		delete(v.servers, hb.ServiceID)
	}
}

func (v *View) onRemoval(ctx context.Context, _ *envelope.Envelope, payload any) {
	n, ok := payload.(*fabric.RemovalNotification)
	if !ok || n.ServiceID == "" {
		return
	}
	v.mu.Lock()
	delete(v.servers, n.ServiceID)
	v.mu.Unlock()
	log.Debugf(ctx, "view: %s removed (%s)", n.ServiceID, n.Reason)
}

// Get returns a copy of one entry.
func (v *View) Get(serviceID string) (ServerInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	info, ok := v.servers[serviceID]
	if !ok {
		return ServerInfo{}, false
	}
	return *info, true
}

// Known reports whether the view has any entry for the id, fresh or not.
func (v *View) Known(serviceID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.servers[serviceID]
	return ok
}

// Snapshot returns copies of every entry, ordered by id.
func (v *View) Snapshot() []ServerInfo {
	v.mu.RLock()
	out := make([]ServerInfo, 0, len(v.servers))
	for _, info := range v.servers {
		out = append(out, *info)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.ServiceID < out[j].Identity.ServiceID
	})
	return out
}

// ByRole returns every entry of one role, ordered by id.
func (v *View) ByRole(role string) []ServerInfo {
	all := v.Snapshot()
	out := all[:0]
	for _, info := range all {
		if info.Identity.Role == role {
			out = append(out, info)
		}
	}
	return out
}

// Staleness returns the configured staleness window.
func (v *View) Staleness() time.Duration { return v.stale }

// Now returns the view's current time.
func (v *View) Now() time.Time { return v.now() }
