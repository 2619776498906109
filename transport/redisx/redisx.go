// Package redisx implements the fabric transport on a Redis connection:
// native pub/sub for channels, string keys with expiry for the KV namespace.
// Callers build the Redis client, pass it to New, and receive a
// transport.Transport that owns only its subscriptions, never the
// connection.
package redisx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fulcrummc/fulcrum/transport"
)

type (
	// Options configures the Redis transport.
	Options struct {
		// Redis is the connection backing pub/sub and KV operations. Required.
		Redis *redis.Client
		// PingTimeout bounds the health probe issued by IsConnected.
		// Defaults to one second.
		PingTimeout time.Duration
	}

	redisTransport struct {
		rdb         *redis.Client
		pingTimeout time.Duration

		mu     sync.Mutex
		subs   map[*redisSubscription]struct{}
		closed bool
	}

	redisSubscription struct {
		owner  *redisTransport
		pubsub *redis.PubSub
		cancel context.CancelFunc
		once   sync.Once
	}
)

// New constructs a Redis-backed transport. The Redis field in opts is
// required.
func New(opts Options) (transport.Transport, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redisx: Redis client is required")
	}
	pt := opts.PingTimeout
	if pt <= 0 {
		pt = time.Second
	}
	return &redisTransport{
		rdb:         opts.Redis,
		pingTimeout: pt,
		subs:        make(map[*redisSubscription]struct{}),
	}, nil
}

// Subscribe opens a dedicated Redis subscription for the channel. The ready
// callback fires once the SUBSCRIBE confirmation arrives, then the delivery
// goroutine pumps messages into the handler until the subscription closes.
func (t *redisTransport) Subscribe(ctx context.Context, channel string, h transport.Handler, ready func(error)) (transport.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("redisx: subscribe %s: nil handler", channel)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	pubsub := t.rdb.Subscribe(ctx, channel)
	deliverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{owner: t, pubsub: pubsub, cancel: cancel}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go func() {
		// The first reply on a fresh PubSub is the subscription confirmation.
		_, err := pubsub.Receive(ctx)
		if ready != nil {
			ready(err)
		}
		if err != nil {
			sub.Close()
			return
		}
		ch := pubsub.Channel()
		for {
			select {
			case <-deliverCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(deliverCtx, msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return sub, nil
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return err
}

func (t *redisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (t *redisTransport) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := t.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *redisTransport) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := t.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (t *redisTransport) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (t *redisTransport) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := t.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (t *redisTransport) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), t.pingTimeout)
	defer cancel()
	return t.rdb.Ping(ctx).Err() == nil
}

// Close tears down every open subscription. The Redis connection itself
// belongs to the caller.
func (t *redisTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*redisSubscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
