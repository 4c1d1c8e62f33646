// netsync-server is the realtime relay for co-located XR sessions: clients
// push poses, RPCs, and variable writes over the request socket and receive
// room state on the publish socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/netsync-relay/internal/admin"
	"github.com/adred-codev/netsync-relay/internal/config"
	"github.com/adred-codev/netsync-relay/internal/discovery"
	"github.com/adred-codev/netsync-relay/internal/logging"
	"github.com/adred-codev/netsync-relay/internal/metrics"
	"github.com/adred-codev/netsync-relay/internal/registry"
	"github.com/adred-codev/netsync-relay/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "netsync-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	rooms := registry.New(log)
	server := relay.New(cfg, log, m, rooms)

	errCh := make(chan error, 3)
	go func() { errCh <- server.Run(ctx) }()

	if cfg.AdminEnabled {
		adm := admin.New(cfg.AdminPort, server, m, log)
		go func() { errCh <- adm.Run(ctx) }()
	}
	if cfg.EnableDiscovery {
		beacon := discovery.New(cfg.DiscoveryPort, cfg.DealerPort, cfg.PubPort, cfg.ServerName, log)
		go func() { errCh <- beacon.Run(ctx) }()
	}

	log.Info().
		Str("server_name", cfg.ServerName).
		Int("dealer_port", cfg.DealerPort).
		Int("pub_port", cfg.PubPort).
		Msg("netsync relay starting")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			stop()
			server.Stop()
			return err
		}
	}

	stop()
	server.Stop()
	log.Info().Msg("netsync relay stopped")
	return nil
}
