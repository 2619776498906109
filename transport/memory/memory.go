// Package memory implements the fabric transport entirely in process. It
// mirrors the production Redis transport closely enough that bus, lifecycle,
// registry and router logic can be exercised in unit tests without a broker:
// per-channel fan-out preserves each publisher's publish order, keys expire
// against an injectable clock, and Scan understands the trailing-star glob
// the fabric uses.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fulcrummc/fulcrum/transport"
)

type (
	// Option configures the in-memory transport.
	Option func(*memTransport)

	memTransport struct {
		now func() time.Time

		mu     sync.Mutex
		subs   map[string][]*memSubscription
		kv     map[string]entry
		closed bool
	}

	memSubscription struct {
		owner   *memTransport
		channel string
		handler transport.Handler
		once    sync.Once
		closed  bool
	}

	entry struct {
		value     string
		expiresAt time.Time // zero means no expiry
	}
)

// WithClock overrides the time source used for key expiry. Tests use this to
// advance TTLs without sleeping.
func WithClock(now func() time.Time) Option {
	return func(t *memTransport) { t.now = now }
}

// New returns an empty in-memory transport.
func New(opts ...Option) transport.Transport {
	t := &memTransport{
		now:  time.Now,
		subs: make(map[string][]*memSubscription),
		kv:   make(map[string]entry),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Subscribe registers the handler and reports ready immediately: an
// in-process subscription is observed as soon as it exists.
func (t *memTransport) Subscribe(_ context.Context, channel string, h transport.Handler, ready func(error)) (transport.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if ready != nil {
			ready(transport.ErrClosed)
		}
		return nil, transport.ErrClosed
	}
	sub := &memSubscription{owner: t, channel: channel, handler: h}
	t.subs[channel] = append(t.subs[channel], sub)
	t.mu.Unlock()
	if ready != nil {
		ready(nil)
	}
	return sub, nil
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		t := s.owner
		t.mu.Lock()
		defer t.mu.Unlock()
		s.closed = true
		subs := t.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				t.subs[s.channel] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Publish delivers synchronously in subscription order, off the lock so
// handlers may publish in turn. Synchronous delivery keeps unit tests
// deterministic and trivially satisfies per-publisher ordering.
func (t *memTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	snapshot := make([]*memSubscription, len(t.subs[channel]))
	copy(snapshot, t.subs[channel])
	t.mu.Unlock()

	body := make([]byte, len(payload))
	copy(body, payload)
	for _, sub := range snapshot {
		t.mu.Lock()
		closed := sub.closed
		t.mu.Unlock()
		if closed {
			continue
		}
		sub.handler(ctx, channel, body)
	}
	return nil
}

func (t *memTransport) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = t.now().Add(ttl)
	}
	t.kv[key] = e
	return nil
}

func (t *memTransport) Get(_ context.Context, key string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.kv[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && t.now().After(e.expiresAt) {
		delete(t.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (t *memTransport) Del(_ context.Context, keys ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.kv, k)
	}
	return nil
}

// Scan matches the trailing-star glob form used by the fabric's key
// namespace; an exact key is matched literally.
func (t *memTransport) Scan(_ context.Context, pattern string) ([]string, error) {
	prefix, star := strings.CutSuffix(pattern, "*")
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var keys []string
	for k, e := range t.kv {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(t.kv, k)
			continue
		}
		if star && strings.HasPrefix(k, prefix) || !star && k == pattern {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (t *memTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *memTransport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = make(map[string][]*memSubscription)
	return nil
}
