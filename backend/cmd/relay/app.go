package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/storyboard-relay/backend/config"
	httpServer "github.com/adwski/storyboard-relay/backend/server/http"
	websocketServer "github.com/adwski/storyboard-relay/backend/server/websocket"
	"github.com/adwski/storyboard-relay/backend/service"
	store "github.com/adwski/storyboard-relay/backend/storage/memory"
	sw "github.com/adwski/storyboard-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)

	cfg := config.DefaultRelay()
	var (
		configPath      = fs.StringP("config", "c", "", "toml config file")
		apiListenAddr   = fs.StringP("api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", cfg.WSListenAddr, "websocket session listen address")
		logLevel        = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
		maxParticipants = fs.Int("max-participants", cfg.MaxParticipants, "peers allowed per room")
		imagesDir       = fs.String("images-dir", cfg.ImagesDir, "directory served under /boards/images/")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	if *configPath != "" {
		var err error
		if cfg, err = config.LoadRelay(*configPath); err != nil {
			logger.Fatal().Err(err).Msg("failed to load config")
		}
	}
	// explicit flags win over the file
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "api-listen-addr":
			cfg.APIListenAddr = *apiListenAddr
		case "ws-listen-addr":
			cfg.WSListenAddr = *wsListenAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "max-participants":
			cfg.MaxParticipants = *maxParticipants
		case "images-dir":
			cfg.ImagesDir = *imagesDir
		}
	})

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	swtch := sw.NewSwitch(&logger)
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(cfg.MaxParticipants),
		Switch:    swtch,
		Logger:    &logger,
	})
	swtch.Tap(svc.Observe)

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  cfg.APIListenAddr,
		ImagesDir:   cfg.ImagesDir,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     cfg.WSListenAddr,
		MaxMessageSize: cfg.MaxMessageSize,
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
