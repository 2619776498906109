package bus

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
)

// Response is the completed half of a request/response exchange.
type Response struct {
	// Envelope is the raw response envelope.
	Envelope *envelope.Envelope
	// Payload is the decoded response payload.
	Payload any
}

// Request publishes a payload on the target's request channel and blocks
// until a response envelope with the matching correlation id arrives on our
// response channel, the timeout elapses (ErrTimeout), ctx is done, or the
// bus shuts down (ErrBusClosed). Exactly one of those outcomes occurs.
func (b *Bus) Request(ctx context.Context, targetServiceID, msgType string, payload any, timeout time.Duration) (*Response, error) {
	env, err := envelope.New(msgType, b.ServiceID(), payload)
	if err != nil {
		return nil, fmt.Errorf("bus: request %s: encode payload: %w", msgType, err)
	}
	env.TargetID = targetServiceID

	ch := make(chan result, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.pending[env.CorrelationID] = ch
	b.mu.Unlock()

	b.publish(ctx, fabric.RequestChannel(targetServiceID), env)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrBusClosed
		}
		if res.err != nil {
			return nil, res.err
		}
		return &Response{Envelope: res.env, Payload: res.payload}, nil
	case <-timer.C:
		b.forgetPending(env.CorrelationID)
		return nil, fmt.Errorf("%w: %s to %s after %s", ErrTimeout, msgType, targetServiceID, timeout)
	case <-ctx.Done():
		b.forgetPending(env.CorrelationID)
		return nil, ctx.Err()
	case <-b.closeCh:
		b.forgetPending(env.CorrelationID)
		return nil, ErrBusClosed
	}
}

func (b *Bus) forgetPending(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// Respond publishes a response to req on the sender's response channel,
// echoing its correlation id. Request handlers use this to complete the
// exchange.
func (b *Bus) Respond(ctx context.Context, req *envelope.Envelope, msgType string, payload any) {
	if req.SenderID == "" {
		log.Debugf(ctx, "bus: respond %s: request has no sender", msgType)
		return
	}
	env, err := envelope.Reply(req, msgType, b.ServiceID(), payload)
	if err != nil {
		log.Errorf(ctx, err, "bus: respond %s: encode payload", msgType)
		return
	}
	b.publish(ctx, fabric.ResponseChannel(req.SenderID), env)
}
