package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/forwarder/admin"
	"github.com/maxpert/forwarder/cfg"
	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/forwarder"
	fwdgrpc "github.com/maxpert/forwarder/grpc"
	"github.com/maxpert/forwarder/publisher"
	_ "github.com/maxpert/forwarder/publisher/sink"
	"github.com/maxpert/forwarder/telemetry"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("uid", cfg.Config.UID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("name", cfg.Config.Name).Msg("Forwarder - reliable inter-broker message forwarding")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()
	fwdgrpc.RegisterZstdCompressor()

	eng, err := openEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open engine")
		return
	}
	defer eng.Close()

	mirrors, err := publisher.NewRegistry(cfg.Config.UID, cfg.Config.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize mirror sinks")
		return
	}
	if err := mirrors.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start mirror sinks")
		return
	}
	defer mirrors.Stop()
	eng.SetDeliveryListener(mirrors.Listener())

	fwd, err := forwarder.New(eng, forwarder.OptionsFromConfig(cfg.Config))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create forwarder")
		return
	}

	// Recovery runs before any connection is accepted or dialed
	if _, err := fwd.Recover(); err != nil {
		log.Fatal().Err(err).Msg("Recovery failed")
		return
	}

	fwd.Start()
	defer fwd.Stop()

	collector := telemetry.NewMetricsCollector(fwd, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	server := fwdgrpc.NewServer(fwd, fwdgrpc.ServerConfig{
		Address: cfg.Config.Listener.BindAddress,
		Port:    cfg.Config.Listener.Port,
	})
	if h := telemetry.GetMetricsHandler(); h != nil {
		server.SetMetricsHandler(h)
	}
	if cfg.Config.Admin.Enabled {
		server.SetAdminHandler(admin.Router(admin.NewAdminHandlers(fwd)))
	}
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
		return
	}
	defer server.Stop()

	dialers := make([]*fwdgrpc.Dialer, 0, len(cfg.Config.Peers))
	for _, peer := range cfg.Config.Peers {
		d, err := fwdgrpc.NewDialer(fwd, peer, fwdgrpc.DialerOptionsFromConfig(cfg.Config))
		if err != nil {
			log.Fatal().Err(err).Str("peer", peer.Address).Msg("Failed to create dialer")
			return
		}
		d.Start()
		dialers = append(dialers, d)
	}
	defer func() {
		for _, d := range dialers {
			d.Stop()
		}
	}()

	log.Info().
		Str("uid", cfg.Config.UID).
		Int("port", cfg.Config.Listener.Port).
		Int("peers", len(dialers)).
		Str("store", string(cfg.Config.Engine.Store)).
		Msg("Broker is operational")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

func openEngine() (*engine.Local, error) {
	opts := engine.Options{
		Destinations:           cfg.Config.Engine.Destinations,
		MaxDestinationMessages: cfg.Config.Engine.MaxDestinationMessages,
		MatchCacheSize:         cfg.Config.Engine.MatchCacheSize,
		DurableAsync:           true,
	}
	if cfg.Config.Engine.Store == cfg.StorePebble {
		opts.Dir = cfg.Config.DataDir
	} else {
		log.Warn().Msg("Memory store selected, transactions do not survive a restart")
	}
	return engine.Open(opts)
}
