// Command fulcrum-registry runs a registry coordinator node: it owns the
// server directory, answers registration requests, tracks heartbeats, sweeps
// for crashed servers and brokers player slot requests. Several nodes may run
// against the same Redis; they share id claims and elect a sweeper per tick.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/bus"
	"github.com/fulcrummc/fulcrum/config"
	"github.com/fulcrummc/fulcrum/envelope"
	"github.com/fulcrummc/fulcrum/lifecycle"
	"github.com/fulcrummc/fulcrum/registry"
	"github.com/fulcrummc/fulcrum/transport/redisx"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		nameF   = flag.String("name", "fulcrum", "Logical registry name (scopes the shared claim map)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "redis", V: cfg.Redis.Addr}, log.KV{K: "name", V: *nameF})

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	tr, err := redisx.New(redisx.Options{Redis: rdb})
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer tr.Close(context.Background())

	// The coordinator does not register with itself; it takes a throwaway
	// temp id for directed traffic and keeps it.
	b, err := bus.New(bus.Options{
		Transport:            tr,
		Types:                envelope.NewTypeRegistry(),
		ServiceID:            lifecycle.NewTempID(),
		DedupTTL:             cfg.DedupTTL(),
		RegistrationDedupTTL: cfg.RegistrationDedupTTL(),
		CacheBodies:          cfg.CacheBodies,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	if err := b.Start(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	defer b.Shutdown(ctx)

	reg, err := registry.New(ctx, registry.Config{
		Transport:    tr,
		Bus:          b,
		Redis:        rdb,
		Name:         *nameF,
		RecordTTL:    cfg.RegistryRecordTTL(),
		CrashTimeout: cfg.CrashDetectionTimeout(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	if err := reg.Start(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "registry up as %s", b.ServiceID())

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	if err := reg.Close(ctx); err != nil {
		log.Errorf(ctx, err, "registry close")
	}
	log.Printf(ctx, "exited")
}
