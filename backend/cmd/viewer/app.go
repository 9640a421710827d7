package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adwski/storyboard-relay/backend/client/session"
	"github.com/adwski/storyboard-relay/backend/config"
	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const defaultCallTimeout = 30 * time.Second

// logStore stands in for the application stores and only logs what reaches them.
type logStore struct {
	name   string
	logger *zerolog.Logger
}

func (s logStore) Dispatch(a model.Action) {
	s.logger.Info().Str("store", s.name).Str("type", a.Type).RawJSON("payload", orNull(a.Payload)).Msg("action applied")
}

func orNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("viewer", pflag.ContinueOnError)

	cfg := config.DefaultViewer()
	var (
		configPath = fs.StringP("config", "c", "", "toml config file")
		location   = fs.StringP("location", "L", "", "navigation url carrying the room id, e.g. app://xr?id=ROOM")
		apiURL     = fs.String("api-url", cfg.APIURL, "relay api url")
		sessionURL = fs.String("session-url", cfg.SessionURL, "relay websocket url")
		peerID     = fs.StringP("peer", "p", cfg.PeerID, "peer id, generated when empty")
		logLevel   = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
		call       = fs.String("call", "", "rpc to perform: getBoards|getSg|saveShot|insertShot|isSceneDirty|setBoard|getResource")
		arg        = fs.String("arg", "", "setBoard: board json; getResource: file path")
		resType    = fs.String("resource-type", "model", "getResource type")
		watch      = fs.BoolP("watch", "W", false, "stay connected and log inbound actions")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	if *configPath != "" {
		var err error
		if cfg, err = config.LoadViewer(*configPath); err != nil {
			logger.Fatal().Err(err).Msg("failed to load config")
		}
	}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIURL = *apiURL
		case "session-url":
			cfg.SessionURL = *sessionURL
		case "peer":
			cfg.PeerID = *peerID
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rules := cfg.Rules()
	client, err := session.Connect(ctx, session.Config{
		Logger:         &logger,
		BaseURI:        cfg.BaseURI,
		Location:       *location,
		APIURL:         cfg.APIURL,
		SessionURL:     cfg.SessionURL,
		PeerID:         cfg.PeerID,
		ConnectTimeout: cfg.ConnectTimeout,
		FrameRate:      cfg.FrameRate,
		Rules:          &rules,
	})
	switch {
	case errors.Is(err, session.ErrMissingRoom):
		logger.Fatal().Err(err).Str("location", *location).Msg("no room id in location")
	case err != nil:
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer func() {
		_ = client.Close()
	}()

	if *call != "" {
		cCtx, cCancel := context.WithTimeout(ctx, defaultCallTimeout)
		res, err := perform(cCtx, client, *call, *arg, *resType)
		cCancel()
		if err != nil {
			logger.Error().Err(err).Str("call", *call).Msg("call failed")
		} else {
			logger.Info().Str("call", *call).RawJSON("result", orNull(res)).Msg("call done")
		}
	}
	if !*watch {
		return
	}

	app := logStore{name: "app", logger: &logger}
	dispatch := client.Middleware(app.Dispatch)
	client.ConnectStore(dispatchFunc(dispatch), logStore{name: "remote", logger: &logger})
	client.Conn().Once(model.EventAction, func(env model.Envelope) {
		logger.Info().Str("src", env.SRC).Msg("room state is flowing")
	})
	if err = client.ConnectRequest(); err != nil {
		logger.Error().Err(err).Msg("connect request failed")
	}
	client.SetActive(true)

	if *configPath != "" {
		// frame rate follows the config file while watching
		go func() {
			err := config.WatchViewer(ctx, *configPath, &logger, func(v config.Viewer) {
				client.SetFrameRate(v.FrameRate)
			})
			if err != nil {
				logger.Error().Err(err).Msg("config watch stopped")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
		client.SetActive(false)
	case <-client.Done():
		logger.Warn().Msg("session closed")
	}
}

type dispatchFunc func(model.Action)

func (f dispatchFunc) Dispatch(a model.Action) { f(a) }

func perform(ctx context.Context, c *session.Client, call, arg, resType string) (json.RawMessage, error) {
	switch call {
	case model.EventGetBoards:
		return c.GetBoards(ctx)
	case model.EventGetSg:
		return c.GetSg(ctx)
	case model.EventSaveShot:
		return c.SaveShot(ctx)
	case model.EventInsertShot:
		return c.InsertShot(ctx)
	case model.EventSetBoard:
		if !json.Valid([]byte(arg)) {
			return nil, fmt.Errorf("setBoard needs a json board, got %q", arg)
		}
		return c.SetBoard(ctx, json.RawMessage(arg))
	case model.EventIsSceneDirty:
		dirty, err := c.IsSceneDirty(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(dirty)
	case model.EventGetResource:
		res, err := c.GetResource(ctx, resType, arg)
		if err != nil {
			return nil, err
		}
		return res.Raw, nil
	default:
		return nil, fmt.Errorf("unknown call %q", call)
	}
}
