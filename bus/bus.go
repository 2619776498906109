// Package bus implements the envelope router at the center of the fabric.
//
// The bus owns the channel namespace for one service: it keeps a broadcast
// subscription plus the directed triple (server/request/response channels)
// for the service's current id, fans inbound envelopes out to per-type
// handlers, correlates request/response pairs, and deduplicates directed
// deliveries through the TTL'd marker keys in the KV namespace.
//
// All delivery guarantees are per receiver and at most once: a duplicate
// correlation id arriving on a directed channel within its dedup TTL is
// dropped before dispatch.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/transport"
)

var (
	// ErrTimeout reports a request that exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrBusClosed is the terminal failure for operations on a shut-down bus
	// and for every request pending at shutdown.
	ErrBusClosed = errors.New("bus closed")
)

// Default dedup TTLs. Registration-class traffic uses the shorter window.
const (
	DefaultDedupTTL             = 60 * time.Second
	DefaultRegistrationDedupTTL = 30 * time.Second
)

type (
	// Handler consumes a decoded envelope. env is owned by the dispatch for
	// the duration of the call; handlers must copy anything they retain.
	// payload is the typed value produced by the type registry, or an opaque
	// map for unregistered types.
	Handler func(ctx context.Context, env *envelope.Envelope, payload any)

	// Subscription is an active handler registration. Close stops further
	// deliveries; an in-flight dispatch may still complete.
	Subscription interface {
		Close() error
	}

	// Options configures a bus.
	Options struct {
		// Transport carries the bus's channels and dedup keys. Required.
		Transport transport.Transport
		// Types decodes payloads by message type. Required; the core
		// protocol types are registered automatically.
		Types *envelope.TypeRegistry
		// ServiceID is the initial identity, normally the temp id. The bus
		// follows identity changes through RotateID.
		ServiceID string
		// DedupTTL is the lifetime of dedup markers, default 60s.
		DedupTTL time.Duration
		// RegistrationDedupTTL is the dedup marker lifetime for
		// registration-class traffic, default 30s.
		RegistrationDedupTTL time.Duration
		// CacheBodies mirrors every published envelope body to
		// fulcrum:msg:<correlation_id> with the dedup TTL.
		CacheBodies bool
	}

	// Bus routes envelopes between this service and the rest of the fleet.
	Bus struct {
		tr          transport.Transport
		types       *envelope.TypeRegistry
		dedupTTL    time.Duration
		regTTL      time.Duration
		cacheBodies bool

		mu        sync.RWMutex
		serviceID string
		handlers  map[string][]*handlerSub
		channels  map[string]*chanRef
		pending   map[string]chan result
		started   bool
		closed    bool

		closeCh chan struct{}
	}

	handlerSub struct {
		bus     *Bus
		msgType string
		channel string
		handler Handler
		once    sync.Once
	}

	chanRef struct {
		sub    transport.Subscription
		refs   int
		pinned bool
	}

	result struct {
		env     *envelope.Envelope
		payload any
		err     error
	}
)

// New assembles a bus. Start must be called before the bus routes traffic.
func New(opts Options) (*Bus, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("bus: transport is required")
	}
	if opts.Types == nil {
		return nil, fmt.Errorf("bus: type registry is required")
	}
	if opts.ServiceID == "" {
		return nil, fmt.Errorf("bus: service id is required")
	}
	if err := fabric.RegisterMessageTypes(opts.Types); err != nil {
		return nil, err
	}
	dt := opts.DedupTTL
	if dt <= 0 {
		dt = DefaultDedupTTL
	}
	rt := opts.RegistrationDedupTTL
	if rt <= 0 {
		rt = DefaultRegistrationDedupTTL
	}
	return &Bus{
		tr:          opts.Transport,
		types:       opts.Types,
		dedupTTL:    dt,
		regTTL:      rt,
		cacheBodies: opts.CacheBodies,
		serviceID:   opts.ServiceID,
		handlers:    make(map[string][]*handlerSub),
		channels:    make(map[string]*chanRef),
		pending:     make(map[string]chan result),
		closeCh:     make(chan struct{}),
	}, nil
}

// Start sweeps this service's stale message keys and opens the broadcast
// channel plus the directed triple for the current id. It blocks until the
// transport confirms those subscriptions or ctx expires.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	id := b.serviceID
	b.mu.Unlock()

	b.sweepStaleKeys(ctx)

	for _, ch := range append([]string{fabric.ChannelBroadcast}, directedTriple(id)...) {
		if err := b.ensureChannel(ctx, ch, true); err != nil {
			return fmt.Errorf("bus: start: %w", err)
		}
	}
	return nil
}

// sweepStaleKeys removes leftover dedup markers and body caches from a
// previous run so old correlation ids cannot resurrect.
func (b *Bus) sweepStaleKeys(ctx context.Context) {
	for _, pattern := range []string{fabric.KeyMsgBodyScan, fabric.KeyMsgIDScan} {
		keys, err := b.tr.Scan(ctx, pattern)
		if err != nil {
			log.Errorf(ctx, err, "bus: sweep %s", pattern)
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := b.tr.Del(ctx, keys...); err != nil {
			log.Errorf(ctx, err, "bus: sweep delete %d keys", len(keys))
		} else {
			log.Debugf(ctx, "bus: swept %d stale message keys (%s)", len(keys), pattern)
		}
	}
}

func directedTriple(serviceID string) []string {
	return []string{
		fabric.ServerChannel(serviceID),
		fabric.RequestChannel(serviceID),
		fabric.ResponseChannel(serviceID),
	}
}

// ServiceID returns the id the bus currently answers for.
func (b *Bus) ServiceID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.serviceID
}

// RotateID swaps the directed channel triple from the old id to newID. The
// new triple is confirmed before the swap becomes visible to dispatch, so no
// envelope arriving on the new channels is dropped; deliveries still in
// flight on the old channels are ignored once the swap lands.
func (b *Bus) RotateID(ctx context.Context, newID string) error {
	b.mu.RLock()
	oldID := b.serviceID
	b.mu.RUnlock()
	if newID == oldID {
		return nil
	}

	for _, ch := range directedTriple(newID) {
		if err := b.ensureChannel(ctx, ch, true); err != nil {
			return fmt.Errorf("bus: rotate to %s: %w", newID, err)
		}
	}

	b.mu.Lock()
	b.serviceID = newID
	b.mu.Unlock()
	log.Printf(ctx, "bus: identity rotated %s -> %s", oldID, newID)

	for _, ch := range directedTriple(oldID) {
		b.dropChannel(ch)
	}
	return nil
}

// Subscribe registers a handler for a message type and ensures the type's
// topic channel is open. Handlers registered before Start are honored once
// the transport is up: directed deliveries dispatch by type regardless of
// topic subscriptions.
func (b *Bus) Subscribe(ctx context.Context, msgType string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("bus: subscribe %s: nil handler", msgType)
	}
	channel := fabric.TopicForType(msgType)
	if err := b.ensureChannel(ctx, channel, false); err != nil {
		return nil, err
	}
	sub := &handlerSub{bus: b, msgType: msgType, channel: channel, handler: h}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.releaseChannel(channel)
		return nil, ErrBusClosed
	}
	b.handlers[msgType] = append(b.handlers[msgType], sub)
	b.mu.Unlock()
	return sub, nil
}

// Handle registers a handler for a message type without opening the type's
// topic channel. Used for types that arrive on channels the bus already
// watches: the directed triple or channels opened with SubscribeChannel.
func (b *Bus) Handle(msgType string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("bus: handle %s: nil handler", msgType)
	}
	sub := &handlerSub{bus: b, msgType: msgType, handler: h}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.handlers[msgType] = append(b.handlers[msgType], sub)
	b.mu.Unlock()
	return sub, nil
}

// SubscribeChannel opens an extra raw channel (for example the proxy's
// player-route channel) and routes its traffic through the normal inbound
// pipeline, dispatching by message type.
func (b *Bus) SubscribeChannel(ctx context.Context, channel string) (Subscription, error) {
	if err := b.ensureChannel(ctx, channel, false); err != nil {
		return nil, err
	}
	return channelSub{bus: b, channel: channel}, nil
}

type channelSub struct {
	bus     *Bus
	channel string
}

func (c channelSub) Close() error {
	c.bus.releaseChannel(c.channel)
	return nil
}

func (s *handlerSub) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		subs := b.handlers[s.msgType]
		for i, sub := range subs {
			if sub == s {
				b.handlers[s.msgType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.handlers[s.msgType]) == 0 {
			delete(b.handlers, s.msgType)
		}
		b.mu.Unlock()
		b.releaseChannel(s.channel)
	})
	return nil
}

// ensureChannel opens a transport subscription for the channel if none
// exists, waiting for the transport's ready signal, and bumps its refcount.
// Pinned channels survive until shutdown or id rotation.
func (b *Bus) ensureChannel(ctx context.Context, channel string, pin bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if ref, ok := b.channels[channel]; ok {
		ref.refs++
		ref.pinned = ref.pinned || pin
		b.mu.Unlock()
		return nil
	}
	// Reserve the slot so concurrent subscribers do not double-subscribe.
	ref := &chanRef{refs: 1, pinned: pin}
	b.channels[channel] = ref
	b.mu.Unlock()

	ready := make(chan error, 1)
	sub, err := b.tr.Subscribe(ctx, channel, b.inbound, func(err error) { ready <- err })
	if err == nil {
		select {
		case err = <-ready:
		case <-ctx.Done():
			err = ctx.Err()
		case <-b.closeCh:
			err = ErrBusClosed
		}
	}
	if err != nil {
		b.mu.Lock()
		delete(b.channels, channel)
		b.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.mu.Lock()
	ref.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *Bus) releaseChannel(channel string) {
	b.mu.Lock()
	ref, ok := b.channels[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	ref.refs--
	if ref.refs > 0 || ref.pinned {
		b.mu.Unlock()
		return
	}
	delete(b.channels, channel)
	sub := ref.sub
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// dropChannel force-closes a channel regardless of refcount or pinning.
// Used when the directed triple rotates.
func (b *Bus) dropChannel(channel string) {
	b.mu.Lock()
	ref, ok := b.channels[channel]
	if ok {
		delete(b.channels, channel)
	}
	b.mu.Unlock()
	if ok && ref.sub != nil {
		_ = ref.sub.Close()
	}
}

// Broadcast publishes a payload of the given type on its topic channel.
// Best-effort fan-out; publish failures are logged, not returned.
func (b *Bus) Broadcast(ctx context.Context, msgType string, payload any) {
	env, err := envelope.New(msgType, b.ServiceID(), payload)
	if err != nil {
		log.Errorf(ctx, err, "bus: broadcast %s: encode payload", msgType)
		return
	}
	b.publish(ctx, fabric.TopicForType(msgType), env)
}

// Send publishes a payload on the direct channel of one service.
func (b *Bus) Send(ctx context.Context, targetServiceID, msgType string, payload any) {
	env, err := envelope.New(msgType, b.ServiceID(), payload)
	if err != nil {
		log.Errorf(ctx, err, "bus: send %s to %s: encode payload", msgType, targetServiceID)
		return
	}
	env.TargetID = targetServiceID
	b.publish(ctx, fabric.ServerChannel(targetServiceID), env)
}

// PublishTo publishes a payload on an explicit channel. The fabric uses this
// for per-proxy route channels and targeted re-registration.
func (b *Bus) PublishTo(ctx context.Context, channel, msgType string, payload any) {
	env, err := envelope.New(msgType, b.ServiceID(), payload)
	if err != nil {
		log.Errorf(ctx, err, "bus: publish %s on %s: encode payload", msgType, channel)
		return
	}
	b.publish(ctx, channel, env)
}

// publish puts an envelope on the wire. Failures are logged and swallowed:
// the fabric treats publishes as fire-and-forget.
func (b *Bus) publish(ctx context.Context, channel string, env *envelope.Envelope) {
	raw := envelope.Encode(env)
	if b.cacheBodies {
		ttl := b.dedupTTLFor(env.Type)
		if err := b.tr.SetWithTTL(ctx, fabric.KeyMsgBody(env.CorrelationID), string(raw), ttl); err != nil {
			log.Debugf(ctx, "bus: body cache %s: %v", env.CorrelationID, err)
		}
	}
	if err := b.tr.Publish(ctx, channel, raw); err != nil {
		log.Errorf(ctx, err, "bus: publish %s on %s", env.Type, channel)
	}
}

func (b *Bus) dedupTTLFor(msgType string) time.Duration {
	switch msgType {
	case fabric.TypeRegistrationRequest, fabric.TypeRegistrationResponse:
		return b.regTTL
	default:
		return b.dedupTTL
	}
}

// Shutdown fails every pending request with ErrBusClosed, closes all
// transport subscriptions and releases the bus. Idempotent.
func (b *Bus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closeCh)
	pending := b.pending
	b.pending = make(map[string]chan result)
	channels := b.channels
	b.channels = make(map[string]*chanRef)
	b.handlers = make(map[string][]*handlerSub)
	b.mu.Unlock()

	for cid, ch := range pending {
		close(ch)
		log.Debugf(ctx, "bus: shutdown cancels pending request %s", cid)
	}
	for _, ref := range channels {
		if ref.sub != nil {
			_ = ref.sub.Close()
		}
	}
	log.Printf(ctx, "bus: shut down")
}
