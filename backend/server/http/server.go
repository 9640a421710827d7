package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	maxJoinRequestSize      = 4096

	// ImagesPath is the route prefix thumbnails are served from.
	ImagesPath = "/boards/images/"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	JoinRoom(roomID string, peerID string) (*model.Room, error)
}

type JoinRequest struct {
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger    zerolog.Logger
	svc       RoomService
	imagesDir string
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
	// ImagesDir holds board thumbnails. Empty disables the images route.
	ImagesDir string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:       cfg.RoomService,
		imagesDir: cfg.ImagesDir,
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	return srv
}

// Handler returns the api routes, usable without a listener.
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.HandleFunc("POST /api/room", srv.joinRoom)
	r.HandleFunc("GET "+ImagesPath+"{filename}", srv.boardImage)
	r.HandleFunc("OPTIONS /", corsHandler)
	return r
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	defer func() {
		_ = r.Body.Close()
	}()

	var joinReq JoinRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJoinRequestSize))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err = json.Unmarshal(body, &joinReq); err != nil || joinReq.RoomID == "" || joinReq.PeerID == "" {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "room_id and peer_id are required"}, &srv.logger)
		return
	}

	srv.logger.Trace().Any("request", joinReq).Msg("got join request")

	room, err := srv.svc.JoinRoom(joinReq.RoomID, joinReq.PeerID)
	if err != nil {
		writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK", Data: room}, &srv.logger)
}

func (srv *Server) boardImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if srv.imagesDir == "" || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path := filepath.Join(srv.imagesDir, name)
	if _, err := os.Stat(path); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, code int, resp *GenericResponse, logger *zerolog.Logger) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
