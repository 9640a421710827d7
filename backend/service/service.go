package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrGet        = errors.New("unable to get room")
	ErrNotAMember = errors.New("peer is not a member of this room")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	RoomStore interface {
		CreateOrJoinRoom(roomID string, peerID string) (*model.Room, error)
		LeaveRoom(roomID string, peerID string) error
		GetRoom(roomID string) (*model.Room, error)
	}

	Switch interface {
		Connect(ctx context.Context, roomID string, peerID string, wire model.Wire) error
		Disconnect(roomID string, peerID string, wire model.Wire) (bool, error)
		Broadcast(ctx context.Context, env model.Envelope, roomID string) error
		Unicast(ctx context.Context, env model.Envelope, roomID string) error
	}

	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

func (svc *Service) CreateSignalingSession(ctx context.Context, roomID, peerID string, wire model.Wire) error {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return errors.Join(ErrGet, err)
	}
	if _, ok := room.Participants[peerID]; !ok {
		return ErrNotAMember
	}
	welcome, err := model.NewEnvelope(model.EventConnected, room)
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	welcome.DST = peerID

	err = svc.sw.Connect(ctx, roomID, peerID, wire)
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("roomID", roomID).
		Bool("leader", room.Leader == peerID).
		Msg("peer session connected")

	go func() {
		_ = svc.sw.Unicast(ctx, welcome, roomID)
		_ = svc.sw.Broadcast(ctx, model.Envelope{
			Event: model.EventJoined,
			SRC:   peerID,
		}, roomID)
	}()
	return nil
}

// DeleteSignalingSession tears down the session attached through wire. A session
// already replaced by a newer one of the same peer leaves membership alone.
func (svc *Service) DeleteSignalingSession(ctx context.Context, roomID, peerID string, wire model.Wire) error {
	detached, err := svc.sw.Disconnect(roomID, peerID, wire)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	if !detached {
		svc.logger.Debug().
			Str("peerID", peerID).
			Str("roomID", roomID).
			Msg("stale peer session ended")
		return nil
	}
	if err = svc.store.LeaveRoom(roomID, peerID); err != nil {
		svc.logger.Warn().Err(err).
			Str("peerID", peerID).
			Str("roomID", roomID).
			Msg("leave room failed")
	}
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("roomID", roomID).
		Msg("peer session deleted")

	// the caller's ctx ends with this call
	bCtx := context.WithoutCancel(ctx)
	go func() {
		_ = svc.sw.Broadcast(bCtx, model.Envelope{
			SRC:   peerID,
			Event: model.EventLeft,
		}, roomID)
	}()
	return nil
}

func (svc *Service) JoinRoom(roomID, peerID string) (*model.Room, error) {
	room, err := svc.store.CreateOrJoinRoom(roomID, peerID)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("roomID", roomID).
		Str("leader", room.Leader).
		Msg("peer joined room")
	return room, nil
}

// Observe logs debug envelopes sent by peers. It is meant to be installed as a switch tap.
func (svc *Service) Observe(roomID string, env model.Envelope) {
	if env.Event != model.EventDebug {
		return
	}
	var info any
	if err := json.Unmarshal(env.Payload, &info); err != nil {
		info = string(env.Payload)
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("peerID", env.SRC).
		Any("info", info).
		Msg("peer debug")
	if e := svc.logger.Trace(); e.Enabled() {
		e.Str("roomID", roomID).Msg(spew.Sdump(info))
	}
}
