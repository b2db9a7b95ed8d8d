package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"meshmeet/config"
	"meshmeet/registry"
	"meshmeet/relay"
	httpServer "meshmeet/server/http"
	websocketServer "meshmeet/server/websocket"
	"meshmeet/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg := config.Load()

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", cfg.WSListenAddr, "websocket signaling listen address")
		logLevel        = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
		maxParticipants = fs.IntP("max-participants", "m", cfg.MaxParticipantsPerRoom, "max participants per room")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	reg := registry.New(registry.Config{
		Logger:          &logger,
		MaxParticipants: *maxParticipants,
	})
	svc := service.New(service.Config{
		Registry: reg,
		Relay:    relay.New(&logger),
		Logger:   &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:               &logger,
		RoomAdmin:            reg,
		ListenAddr:           *apiListenAddr,
		RateLimitWindow:      cfg.RateLimitWindow,
		RateLimitMaxRequests: cfg.RateLimitMaxRequests,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
