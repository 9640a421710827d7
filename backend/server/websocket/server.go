package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	DefaultMaxMessageSize              = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// PongWait - PingInterval is how long the peer has to respond.
	PingInterval = 5 * time.Second
	PongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SessionService interface {
		CreateSignalingSession(context.Context, string, string, model.Wire) error
		DeleteSignalingSession(context.Context, string, string, model.Wire) error
	}

	Config struct {
		Logger         *zerolog.Logger
		SessionService SessionService
		ListenAddr     string
		MaxMessageSize int64
	}

	Server struct {
		svc     SessionService
		ws      *websocket.Upgrader
		maxSize int64
		*http.Server

		logger zerolog.Logger
	}

	// peerConn is one attached websocket endpoint.
	peerConn struct {
		conn    *websocket.Conn
		wire    model.Wire
		roomID  string
		peerID  string
		maxSize int64
		logger  zerolog.Logger

		// set by the sender when a newer session of the peer took over
		evicted bool
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.SessionService,
		maxSize: cfg.MaxMessageSize,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.maxSize <= 0 {
		srv.maxSize = DefaultMaxMessageSize
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	return srv
}

// Handler returns the session routes, usable without a listener.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/room/{roomID}/peer/{peerID}", srv.attach)
	return mux
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) attach(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	peerID := r.PathValue("peerID")
	if roomID == "" || peerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	pc := &peerConn{
		conn:    conn,
		wire:    model.NewWire(),
		roomID:  roomID,
		peerID:  peerID,
		maxSize: srv.maxSize,
		logger: srv.logger.With().
			Str("roomID", roomID).
			Str("peerID", peerID).
			Logger(),
	}

	ctx, cancel := context.WithCancel(context.TODO()) // lives as long as the websocket

	if err = srv.svc.CreateSignalingSession(ctx, roomID, peerID, pc.wire); err != nil {
		pc.logger.Error().Err(err).Msg("failed to create peer session")
		cancel()
		pc.close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	pc.logger.Debug().Msg("peer session created")

	go func() {
		pc.serve(ctx, cancel)
		srv.destroySession(pc)
	}()
}

func (srv *Server) destroySession(pc *peerConn) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSignalingSession(ctx, pc.roomID, pc.peerID, pc.wire); err != nil {
		pc.logger.Error().Err(err).Msg("failed to delete peer session")
		return
	}
	pc.logger.Debug().Msg("peer session ended")
}

// serve pumps the wire in both directions until either side stops.
func (pc *peerConn) serve(ctx context.Context, cancel context.CancelFunc) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		pc.receive(ctx)
		cancel()
	}()
	go func() {
		defer wg.Done()
		pc.send(ctx)
		cancel()
		// unblock a receiver parked in ReadMessage
		_ = pc.conn.SetReadDeadline(time.Now())
	}()
	wg.Wait()
	if pc.evicted {
		pc.close(websocket.ClosePolicyViolation, "replaced by a newer session")
		return
	}
	pc.close(websocket.CloseNormalClosure, "")
}

func (pc *peerConn) send(ctx context.Context) {
	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.wire.Evict:
			pc.logger.Debug().Msg("session evicted")
			pc.evicted = true
			return
		case <-pingTicker.C:
			err := pc.conn.WriteControl(websocket.PingMessage, []byte{},
				time.Now().Add(defaultWebSocketWriteDeadline))
			if err != nil {
				pc.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			pc.logger.Trace().Msg("ping sent")

		case env, ok := <-pc.wire.TX:
			if !ok {
				return
			}
			if err := pc.write(env); err != nil {
				pc.logger.Error().Err(err).Str("event", env.Event).Msg("failed to write outgoing envelope")
				return
			}
		}
	}
}

func (pc *peerConn) write(env model.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	if err = pc.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := pc.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func (pc *peerConn) receive(ctx context.Context) {
	pc.conn.SetReadLimit(pc.maxSize)
	extend := func() error {
		return pc.conn.SetReadDeadline(time.Now().Add(PongWait))
	}
	pc.conn.SetPongHandler(func(string) error {
		pc.logger.Trace().Msg("got pong")
		return extend()
	})
	if err := extend(); err != nil {
		pc.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, err := pc.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				pc.logger.Debug().Err(err).Msg("connection closed")
			default:
				pc.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		var env model.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			pc.logger.Error().Err(err).Msg("failed to unmarshall incoming envelope")
			continue
		}
		env.SRC = pc.peerID
		select {
		case pc.wire.RX <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (pc *peerConn) close(code int, text string) {
	err := pc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		pc.logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = pc.conn.Close(); err != nil {
		pc.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
