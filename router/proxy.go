package router

import (
	"context"
	"sync"
)

type (
	// Proxy is the slice of the host proxy runtime the router needs. The
	// proxy plugin implements it against the real player connections.
	Proxy interface {
		// Player resolves a connected player by uuid. ok is false when the
		// player is offline.
		Player(playerID string) (PlayerConn, bool)
	}

	// PlayerConn is one connected player.
	PlayerConn interface {
		// ID returns the player uuid.
		ID() string
		// CurrentServer returns the backend the player is on, if any.
		CurrentServer() (string, bool)
		// Connect moves the player to a backend. It blocks until the
		// connection attempt resolves.
		Connect(ctx context.Context, serverID string) error
		// SendPluginMessage delivers an opaque payload to the player's
		// current backend over the proxy's plugin channel.
		SendPluginMessage(ctx context.Context, channel string, data []byte) error
		// Disconnect kicks the player with a reason.
		Disconnect(ctx context.Context, reason string) error
	}

	// Scheduler serializes route handling onto a single goroutine so
	// handlers that touch proxy runtime state never race. The host may
	// provide its own (tied to the proxy's event loop); the default is an
	// internal serial executor.
	Scheduler interface {
		Schedule(fn func())
		Close()
	}

	serialExecutor struct {
		tasks chan func()
		once  sync.Once
		done  chan struct{}
	}
)

// newSerialExecutor starts a single-goroutine task queue.
func newSerialExecutor() Scheduler {
	e := &serialExecutor{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *serialExecutor) run() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (e *serialExecutor) Schedule(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

func (e *serialExecutor) Close() {
	e.once.Do(func() { close(e.done) })
}
