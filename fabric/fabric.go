// Package fabric holds the shared vocabulary of the distributed runtime
// fabric: service identity and status, registry records, the wire message
// payloads exchanged by the core protocol, and the channel and key naming
// contracts.
//
// The package is a leaf: every fabric component (bus, lifecycle, registry,
// router) imports it, and it imports only the envelope layer.
package fabric

import "time"

// ServiceType classifies a fabric participant.
type ServiceType string

const (
	ServiceProxy    ServiceType = "PROXY"
	ServiceServer   ServiceType = "SERVER"
	ServiceRegistry ServiceType = "REGISTRY"
)

// Status is the mutable lifecycle state of a service.
type Status string

const (
	StatusStarting     Status = "STARTING"
	StatusRegistering  Status = "REGISTERING"
	StatusAvailable    Status = "AVAILABLE"
	StatusFull         Status = "FULL"
	StatusEvacuating   Status = "EVACUATING"
	StatusStopping     Status = "STOPPING"
	StatusStopped      Status = "STOPPED"
	StatusUnresponsive Status = "UNRESPONSIVE"
	StatusMaintenance  Status = "MAINTENANCE"

	// StatusOffline is set by the registry crash sweep when a service misses
	// its heartbeat window.
	StatusOffline Status = "OFFLINE"
	// StatusShutdown is carried by the final heartbeat a service publishes
	// on its way out.
	StatusShutdown Status = "SHUTDOWN"
)

// Accepting reports whether a service in this status accepts new players.
func (s Status) Accepting() bool {
	return s == StatusAvailable
}

type (
	// Identity is the immutable description of a service instance. ServiceID
	// is empty until registration succeeds and is assigned exactly once; the
	// remaining fields never change for the life of the process.
	Identity struct {
		TempID       string      `json:"tempId"`
		ServiceID    string      `json:"serviceId,omitempty"`
		ServiceType  ServiceType `json:"serviceType"`
		Role         string      `json:"role"`
		Address      string      `json:"address"`
		Port         int         `json:"port"`
		InstanceUUID string      `json:"instanceUuid"`
		StartedAt    int64       `json:"startedAt"`
	}

	// Metadata is the mutable runtime state of a service, refreshed on every
	// heartbeat.
	Metadata struct {
		Status          Status            `json:"status"`
		PlayerCount     int               `json:"playerCount"`
		MaxCapacity     int               `json:"maxCapacity"`
		TPS             float64           `json:"tps"`
		LastHeartbeatAt int64             `json:"lastHeartbeatAt"`
		Properties      map[string]string `json:"properties,omitempty"`
	}

	// Record is one registry entry: identity plus metadata plus the time the
	// service registered. Records are exclusively owned by the registry;
	// consumers cache copies with TTL.
	Record struct {
		Identity     Identity `json:"identity"`
		Metadata     Metadata `json:"metadata"`
		RegisteredAt int64    `json:"registeredAt"`
	}
)

// The load factor weighs occupancy against tick health. An idle server at
// full tick rate scores 0; a full, lagging server approaches 1.
const (
	loadPlayerWeight = 0.6
	loadTickWeight   = 0.4
	nominalTPS       = 20.0
	healthyMinTPS    = 18.0
)

// LoadFactor computes 0.6·(players/max) + 0.4·((20−tps)/20), clamped to
// sane inputs.
func (m *Metadata) LoadFactor() float64 {
	occupancy := 1.0
	if m.MaxCapacity > 0 {
		occupancy = float64(m.PlayerCount) / float64(m.MaxCapacity)
	}
	tps := m.TPS
	if tps > nominalTPS {
		tps = nominalTPS
	}
	if tps < 0 {
		tps = 0
	}
	return loadPlayerWeight*occupancy + loadTickWeight*(nominalTPS-tps)/nominalTPS
}

// Healthy reports tps ≥ 18 and players below capacity.
func (m *Metadata) Healthy() bool {
	return m.TPS >= healthyMinTPS && m.PlayerCount < m.MaxCapacity
}

// HeartbeatAge returns how long ago the service last heartbeat, relative to
// now.
func (m *Metadata) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.LastHeartbeatAt))
}

// Crashed reports whether the record's heartbeat age exceeds timeout.
func (r *Record) Crashed(now time.Time, timeout time.Duration) bool {
	return r.Metadata.HeartbeatAge(now) > timeout
}

// LoadFactor on a record delegates to its metadata.
func (r *Record) LoadFactor() float64 { return r.Metadata.LoadFactor() }

// Healthy on a record delegates to its metadata.
func (r *Record) Healthy() bool { return r.Metadata.Healthy() }
