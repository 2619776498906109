package bus

import (
	"context"

	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
)

// inbound is the single entry point for every channel the bus subscribes
// to. Pipeline: decode, dedup directed deliveries, then route by channel
// prefix.
func (b *Bus) inbound(ctx context.Context, channel string, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		log.Errorf(ctx, err, "bus: drop malformed envelope on %s", channel)
		return
	}

	b.mu.RLock()
	me := b.serviceID
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	server := fabric.ServerChannel(me)
	request := fabric.RequestChannel(me)
	response := fabric.ResponseChannel(me)
	directed := channel == server || channel == request || channel == response

	// A delivery on a directed channel that is not ours belongs to a
	// previous identity; the subscription swap already ignored it.
	if !directed {
		if _, isReq := fabric.IsRequestChannel(channel); isReq {
			return
		}
		if _, isResp := fabric.IsResponseChannel(channel); isResp {
			return
		}
	}

	// Registration responses bypass dedup: they are broadcast and several
	// receivers may be interested, so dedup happens at the handler instead.
	// The response channel bypasses it too: a response carries its request's
	// correlation id, which the responder already marked on receipt, and
	// matching against the pending map is idempotent anyway.
	if directed && channel != response && !fabric.SkipsDedup(env.Type) {
		if b.isDuplicate(ctx, env) {
			log.Debugf(ctx, "bus: drop duplicate %s (%s) on %s", env.Type, env.CorrelationID, channel)
			return
		}
	}

	switch channel {
	case response:
		b.completeRequest(ctx, env)
	case request:
		b.dispatchRequest(ctx, env)
	default:
		b.dispatch(ctx, env)
	}
}

// isDuplicate consults and refreshes the dedup marker for the envelope's
// correlation id. Marker errors fail open: delivery beats a false drop.
func (b *Bus) isDuplicate(ctx context.Context, env *envelope.Envelope) bool {
	key := fabric.KeyMsgID(env.CorrelationID)
	_, seen, err := b.tr.Get(ctx, key)
	if err != nil {
		log.Errorf(ctx, err, "bus: dedup lookup %s", env.CorrelationID)
		return false
	}
	if seen {
		return true
	}
	if err := b.tr.SetWithTTL(ctx, key, "1", b.dedupTTLFor(env.Type)); err != nil {
		log.Errorf(ctx, err, "bus: dedup record %s", env.CorrelationID)
	}
	return false
}

// dispatch fans the envelope out to every handler registered for its type.
// Handler panics are contained so one misbehaving subscriber cannot starve
// the rest.
func (b *Bus) dispatch(ctx context.Context, env *envelope.Envelope) {
	b.mu.RLock()
	subs := make([]*handlerSub, len(b.handlers[env.Type]))
	copy(subs, b.handlers[env.Type])
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	payload, err := b.types.DecodePayload(env)
	if err != nil {
		log.Errorf(ctx, err, "bus: drop undecodable %s (%s)", env.Type, env.CorrelationID)
		return
	}
	for _, sub := range subs {
		b.invoke(ctx, sub, env, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *handlerSub, env *envelope.Envelope, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(ctx, nil, "bus: handler panic on %s: %v", env.Type, r)
		}
	}()
	sub.handler(ctx, env, payload)
}

// dispatchRequest handles traffic on our request channel. With no handler
// registered for the type, the bus synthesizes an error response so the
// caller fails fast instead of timing out.
func (b *Bus) dispatchRequest(ctx context.Context, env *envelope.Envelope) {
	b.mu.RLock()
	n := len(b.handlers[env.Type])
	b.mu.RUnlock()
	if n == 0 {
		log.Debugf(ctx, "bus: no handler for request %s from %s", env.Type, env.SenderID)
		if env.SenderID != "" {
			b.Respond(ctx, env, env.Type+"_response", map[string]string{
				"error": "No handler for " + env.Type,
			})
		}
		return
	}
	b.dispatch(ctx, env)
}

// completeRequest matches a response envelope to its pending request by
// correlation id. Responses with no pending entry are dropped.
func (b *Bus) completeRequest(ctx context.Context, env *envelope.Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.CorrelationID]
	if ok {
		delete(b.pending, env.CorrelationID)
	}
	b.mu.Unlock()
	if !ok {
		log.Debugf(ctx, "bus: drop unmatched response %s (%s)", env.Type, env.CorrelationID)
		return
	}
	payload, err := b.types.DecodePayload(env)
	if err != nil {
		log.Errorf(ctx, err, "bus: undecodable response %s (%s)", env.Type, env.CorrelationID)
		ch <- result{err: err}
		return
	}
	ch <- result{env: env, payload: payload}
}
