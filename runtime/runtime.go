// Package runtime assembles the fabric components for one process: the
// transport, the bus, the lifecycle manager, and for proxies the fleet view
// and the player router. Nothing here is a singleton; every dependency is
// built from Config and owned by the returned Runtime, so several runtimes
// can coexist in one process (the integration tests do exactly that).
package runtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/bus"
	"github.com/fulcrummc/fulcrum/config"
	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/lifecycle"
	"github.com/fulcrummc/fulcrum/registry/view"
	"github.com/fulcrummc/fulcrum/router"
	"github.com/fulcrummc/fulcrum/transport"
	"github.com/fulcrummc/fulcrum/transport/redisx"
)

type (
	// Config describes one service process.
	Config struct {
		// Fabric carries the timing and Redis configuration. Defaults apply
		// when nil.
		Fabric *config.Config

		// Transport overrides the Redis transport, for tests. When nil the
		// runtime dials Redis per Fabric.Redis and owns the connection.
		Transport transport.Transport

		// ServiceType is required. Role defaults to the lowercase type.
		ServiceType fabric.ServiceType
		Role        string

		// Address and Port are how peers reach this service.
		Address string
		Port    int

		// MaxCapacity is the advertised player ceiling.
		MaxCapacity int

		// Proxy enables player routing. Required for PROXY services,
		// ignored otherwise.
		Proxy router.Proxy

		// Callbacks observe lifecycle transitions.
		Callbacks lifecycle.Callbacks
	}

	// Runtime is one assembled service process.
	Runtime struct {
		Transport transport.Transport
		Types     *envelope.TypeRegistry
		Bus       *bus.Bus
		Lifecycle *lifecycle.Manager
		View      *view.View     // proxies only
		Router    *router.Router // proxies only

		rdb          *redis.Client // set when the runtime dialed Redis itself
		ownTransport bool
	}
)

// New assembles and starts a runtime. On return the bus is live and the
// lifecycle manager has begun registering; registration completes
// asynchronously (observe it via Callbacks.OnRegistrationSuccess or
// Lifecycle.Registered).
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.ServiceType == "" {
		return nil, fmt.Errorf("runtime: service type is required")
	}
	fc := cfg.Fabric
	if fc == nil {
		fc = config.Default()
	}

	rt := &Runtime{Types: envelope.NewTypeRegistry()}

	tr := cfg.Transport
	if tr == nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fc.Redis.Addr,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
		})
		var err error
		tr, err = redisx.New(redisx.Options{Redis: rdb})
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("runtime: transport: %w", err)
		}
		rt.rdb = rdb
		rt.ownTransport = true
	}
	rt.Transport = tr

	b, err := bus.New(bus.Options{
		Transport:            tr,
		Types:                rt.Types,
		ServiceID:            lifecycle.NewTempID(),
		DedupTTL:             fc.DedupTTL(),
		RegistrationDedupTTL: fc.RegistrationDedupTTL(),
		CacheBodies:          fc.CacheBodies,
	})
	if err != nil {
		rt.closePartial(ctx)
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		rt.closePartial(ctx)
		return nil, err
	}
	rt.Bus = b

	callbacks := cfg.Callbacks
	if cfg.ServiceType == fabric.ServiceProxy {
		if cfg.Proxy == nil {
			rt.closePartial(ctx)
			return nil, fmt.Errorf("runtime: proxy services need a Proxy")
		}
		v, err := view.New(view.Options{Bus: b, Staleness: fc.MetricStaleness()})
		if err != nil {
			rt.closePartial(ctx)
			return nil, err
		}
		if err := v.Start(ctx); err != nil {
			rt.closePartial(ctx)
			return nil, err
		}
		rt.View = v

		r, err := router.New(router.Options{Bus: b, View: v, Proxy: cfg.Proxy})
		if err != nil {
			rt.closePartial(ctx)
			return nil, err
		}
		if err := r.Start(ctx); err != nil {
			rt.closePartial(ctx)
			return nil, err
		}
		rt.Router = r

		// The router's per-proxy channel follows the identity: re-open it
		// once the permanent id is assigned.
		userSuccess := callbacks.OnRegistrationSuccess
		callbacks.OnRegistrationSuccess = func(cbCtx context.Context, serviceID string) {
			if err := r.RotateProxyID(cbCtx); err != nil {
				log.Errorf(cbCtx, err, "runtime: rotate route channel to %s", serviceID)
			}
			if userSuccess != nil {
				userSuccess(cbCtx, serviceID)
			}
		}
	}

	mgr, err := lifecycle.New(lifecycle.Options{
		Bus:               b,
		ServiceType:       cfg.ServiceType,
		Role:              cfg.Role,
		Address:           cfg.Address,
		Port:              cfg.Port,
		MaxCapacity:       cfg.MaxCapacity,
		HeartbeatInterval: fc.HeartbeatInterval(),
		RetryDelay:        fc.RegistrationRetryDelay(),
		MaxAttempts:       fc.RegistrationMaxAttempts,
		Callbacks:         callbacks,
	})
	if err != nil {
		rt.closePartial(ctx)
		return nil, err
	}
	if err := mgr.Start(ctx); err != nil {
		rt.closePartial(ctx)
		return nil, err
	}
	rt.Lifecycle = mgr

	log.Printf(ctx, "runtime: %s/%s up as %s", cfg.ServiceType, cfg.Role, b.ServiceID())
	return rt, nil
}

// Close tears the runtime down in dependency order: graceful lifecycle
// shutdown first so peers learn of the departure, then the router, view and
// bus, and finally the Redis connection if the runtime dialed it.
func (rt *Runtime) Close(ctx context.Context) {
	if rt.Lifecycle != nil {
		rt.Lifecycle.Shutdown(ctx)
	}
	rt.closePartial(ctx)
}

func (rt *Runtime) closePartial(ctx context.Context) {
	if rt.Router != nil {
		rt.Router.Close()
		rt.Router = nil
	}
	if rt.View != nil {
		rt.View.Close()
		rt.View = nil
	}
	if rt.Bus != nil {
		rt.Bus.Shutdown(ctx)
		rt.Bus = nil
	}
	if rt.Transport != nil {
		if rt.ownTransport {
			_ = rt.Transport.Close(ctx)
		}
		rt.Transport = nil
	}
	if rt.rdb != nil {
		_ = rt.rdb.Close()
		rt.rdb = nil
	}
}
