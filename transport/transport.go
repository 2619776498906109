// Package transport abstracts the pub/sub plus key-value substrate the
// fabric runs on. The production implementation (transport/redisx) wraps a
// Redis connection; transport/memory provides an in-process twin for tests
// and local development.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed reports an operation on a closed transport.
var ErrClosed = errors.New("transport closed")

type (
	// Handler consumes raw bytes delivered on a channel. Handlers run on the
	// transport's delivery goroutine and must not block; anything slow
	// reschedules itself.
	Handler func(ctx context.Context, channel string, payload []byte)

	// Subscription is an active channel registration. Close is idempotent;
	// after it returns the handler receives no new deliveries, though one
	// in-flight delivery may still complete.
	Subscription interface {
		Close() error
	}

	// Transport is the pub/sub + KV contract.
	//
	// Subscribe is asynchronous: it returns once the subscription is queued
	// and invokes ready exactly once — with nil when the subscription is
	// observed by the substrate, with an error if it could not be
	// established. A nil ready is allowed. Multiple handlers may subscribe
	// to the same channel.
	//
	// Publish hands the bytes to the substrate and does not block on
	// delivery to subscribers.
	Transport interface {
		Subscribe(ctx context.Context, channel string, h Handler, ready func(error)) (Subscription, error)
		Publish(ctx context.Context, channel string, payload []byte) error

		SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, bool, error)
		Del(ctx context.Context, keys ...string) error
		// Scan returns the keys matching a glob pattern such as
		// "fulcrum:msgid:*".
		Scan(ctx context.Context, pattern string) ([]string, error)

		IsConnected() bool
		Close(ctx context.Context) error
	}
)
