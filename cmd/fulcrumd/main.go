// Command fulcrumd runs a game-server sidecar: it registers the server with
// the fleet, heartbeats its metrics and handles evacuation and shutdown. The
// actual game process reports player count and TPS through the sidecar's
// lifecycle callbacks; this binary exercises the fabric with synthetic
// metrics and is the template for embedding.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/fulcrummc/fulcrum/config"
	"github.com/fulcrummc/fulcrum/fabric"
	"github.com/fulcrummc/fulcrum/lifecycle"
	"github.com/fulcrummc/fulcrum/runtime"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		roleF   = flag.String("role", "lobby", "Server role (family), e.g. lobby, survival")
		addrF   = flag.String("address", "127.0.0.1", "Address peers use to reach this server")
		portF   = flag.Int("port", 25565, "Port peers use to reach this server")
		capF    = flag.Int("max-players", 100, "Advertised player capacity")
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
	log.Print(ctx, log.KV{K: "redis", V: cfg.Redis.Addr}, log.KV{K: "role", V: *roleF})

	rt, err := runtime.New(ctx, runtime.Config{
		Fabric:      cfg,
		ServiceType: fabric.ServiceServer,
		Role:        *roleF,
		Address:     *addrF,
		Port:        *portF,
		MaxCapacity: *capF,
		Callbacks: lifecycle.Callbacks{
			OnRegistrationSuccess: func(ctx context.Context, serviceID string) {
				log.Printf(ctx, "registered as %s", serviceID)
			},
			OnRegistrationFailure: func(ctx context.Context, reason string) {
				log.Errorf(ctx, fmt.Errorf("%s", reason), "registration failed")
			},
		},
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	rt.Close(ctx)
	log.Printf(ctx, "exited")
}
