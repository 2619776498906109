// Package registry implements the coordinator-side directory of the fleet:
// permanent-id allocation, the authoritative record store, crash detection
// and best-server selection.
//
// Records live in the transport KV under fulcrum:servers:<id> with a TTL of
// roughly twice the heartbeat interval, so a silent service self-expires.
// The member set of all known ids lives under fulcrum:server_ids. When
// several registry nodes share the fleet, id claims are additionally
// mirrored through a Pulse replicated map so peers observe allocations
// immediately, and the crash sweep runs on a distributed ticker so exactly
// one node sweeps per interval.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/transport"
)

// Defaults mirror the fabric's configuration keys.
const (
	DefaultRecordTTL    = 120 * time.Second
	DefaultCrashTimeout = 60 * time.Second

	// routingStaleness is the tighter heartbeat window used for routing
	// decisions, as opposed to ownership reclaim.
	routingStaleness = 30 * time.Second

	proxyIDPrefix    = "fulcrum-proxy-"
	registryIDPrefix = "fulcrum-registry-"
)

var (
	// ErrNotFound reports an operation on an unknown service id.
	ErrNotFound = errors.New("service not found")
)

type (
	// Service holds the directory operations. It is safe for concurrent
	// use; id allocation serializes on an internal mutex.
	Service struct {
		tr           transport.Transport
		recordTTL    time.Duration
		crashTimeout time.Duration
		now          func() time.Time

		// members mirrors id claims across registry nodes. Optional.
		members *rmap.Map

		allocMu sync.Mutex
	}

	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Transport backs the record store. Required.
		Transport transport.Transport
		// Members is the optional cross-node claim map.
		Members *rmap.Map
		// RecordTTL defaults to 120s, CrashTimeout to 60s.
		RecordTTL    time.Duration
		CrashTimeout time.Duration
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}

	// RegisterResult reports the outcome of a registration.
	RegisterResult struct {
		ServiceID string
		Reclaimed bool
	}
)

// NewService builds the directory service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("registry: transport is required")
	}
	ttl := opts.RecordTTL
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	ct := opts.CrashTimeout
	if ct <= 0 {
		ct = DefaultCrashTimeout
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		tr:           opts.Transport,
		recordTTL:    ttl,
		crashTimeout: ct,
		now:          now,
		members:      opts.Members,
	}, nil
}

// idPrefix derives the allocation prefix for a registration.
func idPrefix(serviceType fabric.ServiceType, role string) string {
	switch serviceType {
	case fabric.ServiceProxy:
		return proxyIDPrefix
	case fabric.ServiceRegistry:
		return registryIDPrefix
	default:
		return role + "-"
	}
}

// Register allocates (or reclaims) the contiguous-lowest-free id for the
// request's family and writes a fresh record at status STARTING.
//
// A candidate id already in the member set is reclaimed when its record is
// gone, its instance uuid matches the requester, or its last heartbeat is
// older than the crash timeout; otherwise the next id is tried.
func (s *Service) Register(ctx context.Context, req fabric.RegistrationRequest, instanceUUID string) (*RegisterResult, error) {
	if req.TempID == "" {
		return nil, fmt.Errorf("registry: register: missing temp id")
	}
	if req.ServiceType == "" {
		return nil, fmt.Errorf("registry: register: missing service type")
	}
	if req.ServiceType == fabric.ServiceServer && req.Role == "" {
		return nil, fmt.Errorf("registry: register: missing role for server")
	}
	prefix := idPrefix(req.ServiceType, req.Role)

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	members, err := s.loadMembers(ctx)
	if err != nil {
		return nil, err
	}

	for n := 0; ; n++ {
		id := prefix + strconv.Itoa(n)
		reclaimed := false
		if members[id] {
			rec, err := s.GetServer(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				// Record expired; the id is free to reclaim.
				reclaimed = true
			case err != nil:
				return nil, err
			case instanceUUID != "" && rec.Identity.InstanceUUID == instanceUUID:
				reclaimed = true
			case rec.Crashed(s.now(), s.crashTimeout):
				reclaimed = true
			default:
				continue
			}
		} else if claimed, err := s.claim(ctx, id, instanceUUID); err != nil {
			return nil, err
		} else if !claimed {
			// A peer node allocated this id concurrently.
			continue
		}

		if !members[id] {
			members[id] = true
			if err := s.saveMembers(ctx, members); err != nil {
				return nil, err
			}
		}

		rec := fabric.Record{
			Identity: fabric.Identity{
				TempID:       req.TempID,
				ServiceID:    id,
				ServiceType:  req.ServiceType,
				Role:         req.Role,
				Address:      req.Address,
				Port:         req.Port,
				InstanceUUID: instanceUUID,
				StartedAt:    s.now().UnixMilli(),
			},
			Metadata: fabric.Metadata{
				Status:          fabric.StatusStarting,
				MaxCapacity:     req.MaxCapacity,
				TPS:             20,
				LastHeartbeatAt: s.now().UnixMilli(),
			},
			RegisteredAt: s.now().UnixMilli(),
		}
		if err := s.putRecord(ctx, &rec); err != nil {
			return nil, err
		}
		verb := "allocated"
		if reclaimed {
			verb = "reclaimed"
		}
		log.Printf(ctx, "registry: %s %s for %s", verb, id, req.TempID)
		return &RegisterResult{ServiceID: id, Reclaimed: reclaimed}, nil
	}
}

// claim records the id in the cross-node map. Returns false when a peer
// already holds it.
func (s *Service) claim(ctx context.Context, id, instanceUUID string) (bool, error) {
	if s.members == nil {
		return true, nil
	}
	ok, err := s.members.SetIfNotExists(ctx, id, instanceUUID)
	if err != nil {
		return false, fmt.Errorf("registry: claim %s: %w", id, err)
	}
	if !ok {
		// Our own claim from a previous run may be reused.
		if prev, found := s.members.Get(id); found && instanceUUID != "" && prev == instanceUUID {
			return true, nil
		}
		return false, nil
	}
	return true, nil
}

// Heartbeat refreshes the record for a live service and resets its TTL.
// ErrNotFound signals drift; the caller reacts by requesting
// re-registration.
func (s *Service) Heartbeat(ctx context.Context, hb fabric.Heartbeat) error {
	rec, err := s.GetServer(ctx, hb.ServiceID)
	if err != nil {
		return err
	}
	rec.Metadata.PlayerCount = hb.PlayerCount
	if hb.MaxCapacity > 0 {
		rec.Metadata.MaxCapacity = hb.MaxCapacity
	}
	rec.Metadata.TPS = hb.TPS
	if hb.Status != "" {
		rec.Metadata.Status = hb.Status
	}
	rec.Metadata.LastHeartbeatAt = s.now().UnixMilli()
	return s.putRecord(ctx, rec)
}

// UpdateStatus rewrites only the status of a record.
func (s *Service) UpdateStatus(ctx context.Context, serviceID string, status fabric.Status) error {
	rec, err := s.GetServer(ctx, serviceID)
	if err != nil {
		return err
	}
	rec.Metadata.Status = status
	return s.putRecord(ctx, rec)
}

// GetServer loads one record.
func (s *Service) GetServer(ctx context.Context, serviceID string) (*fabric.Record, error) {
	raw, ok, err := s.tr.Get(ctx, fabric.KeyServer(serviceID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, serviceID)
	}
	var rec fabric.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("registry: record %s: %w", serviceID, err)
	}
	return &rec, nil
}

// ListAll returns every live record, ordered by service id.
func (s *Service) ListAll(ctx context.Context) ([]*fabric.Record, error) {
	keys, err := s.tr.Scan(ctx, fabric.KeyServerScan)
	if err != nil {
		return nil, err
	}
	recs := make([]*fabric.Record, 0, len(keys))
	for _, key := range keys {
		id, ok := fabric.ServiceIDFromKey(key)
		if !ok {
			continue
		}
		rec, err := s.GetServer(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Identity.ServiceID < recs[j].Identity.ServiceID
	})
	return recs, nil
}

// ListByFamily returns records whose role matches.
func (s *Service) ListByFamily(ctx context.Context, family string) ([]*fabric.Record, error) {
	return s.listWhere(ctx, func(r *fabric.Record) bool { return r.Identity.Role == family })
}

// ListByType returns records of one service type.
func (s *Service) ListByType(ctx context.Context, t fabric.ServiceType) ([]*fabric.Record, error) {
	return s.listWhere(ctx, func(r *fabric.Record) bool { return r.Identity.ServiceType == t })
}

// ListByStatus returns records in one status.
func (s *Service) ListByStatus(ctx context.Context, st fabric.Status) ([]*fabric.Record, error) {
	return s.listWhere(ctx, func(r *fabric.Record) bool { return r.Metadata.Status == st })
}

func (s *Service) listWhere(ctx context.Context, keep func(*fabric.Record) bool) ([]*fabric.Record, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*fabric.Record, 0, len(all))
	for _, r := range all {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Unregister removes a service's record and its member-set entry.
func (s *Service) Unregister(ctx context.Context, serviceID string) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	if err := s.tr.Del(ctx, fabric.KeyServer(serviceID)); err != nil {
		return err
	}
	members, err := s.loadMembers(ctx)
	if err != nil {
		return err
	}
	if members[serviceID] {
		delete(members, serviceID)
		if err := s.saveMembers(ctx, members); err != nil {
			return err
		}
	}
	if s.members != nil {
		_, _ = s.members.Delete(ctx, serviceID)
	}
	log.Printf(ctx, "registry: unregistered %s", serviceID)
	return nil
}

// CheckCrashed returns the ids of services whose heartbeat age exceeds
// timeout and marks each OFFLINE. The sweep reads only records; a record
// that expired outright has already removed itself.
func (s *Service) CheckCrashed(ctx context.Context, timeout time.Duration) ([]string, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var crashed []string
	now := s.now()
	for _, rec := range all {
		if rec.Metadata.Status == fabric.StatusOffline || !rec.Crashed(now, timeout) {
			continue
		}
		rec.Metadata.Status = fabric.StatusOffline
		if err := s.putRecord(ctx, rec); err != nil {
			log.Errorf(ctx, err, "registry: mark %s offline", rec.Identity.ServiceID)
			continue
		}
		crashed = append(crashed, rec.Identity.ServiceID)
	}
	return crashed, nil
}

// BestServer returns the accepting, non-stale record of the family with the
// lowest load factor, preferring healthy servers. The result is a pure
// function of the store at call time.
func (s *Service) BestServer(ctx context.Context, family string) (*fabric.Record, error) {
	recs, err := s.ListByFamily(ctx, family)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var best, bestUnhealthy *fabric.Record
	for _, rec := range recs {
		if !rec.Metadata.Status.Accepting() || rec.Crashed(now, routingStaleness) {
			continue
		}
		if rec.Healthy() {
			if best == nil || rec.LoadFactor() < best.LoadFactor() {
				best = rec
			}
		} else if bestUnhealthy == nil || rec.LoadFactor() < bestUnhealthy.LoadFactor() {
			bestUnhealthy = rec
		}
	}
	if best != nil {
		return best, nil
	}
	if bestUnhealthy != nil {
		return bestUnhealthy, nil
	}
	return nil, fmt.Errorf("%w: no server in family %s", ErrNotFound, family)
}

func (s *Service) putRecord(ctx context.Context, rec *fabric.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encode record %s: %w", rec.Identity.ServiceID, err)
	}
	return s.tr.SetWithTTL(ctx, fabric.KeyServer(rec.Identity.ServiceID), string(raw), s.recordTTL)
}

// loadMembers reads the member set, stored as a JSON array under
// fulcrum:server_ids with no expiry.
func (s *Service) loadMembers(ctx context.Context) (map[string]bool, error) {
	raw, ok, err := s.tr.Get(ctx, fabric.KeyServerIDs)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool)
	if !ok || strings.TrimSpace(raw) == "" {
		return members, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("registry: member set: %w", err)
	}
	for _, id := range ids {
		members[id] = true
	}
	return members, nil
}

func (s *Service) saveMembers(ctx context.Context, members map[string]bool) error {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.tr.SetWithTTL(ctx, fabric.KeyServerIDs, string(raw), 0)
}
