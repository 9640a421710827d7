package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// TapFunc observes every inbound envelope of a room before it is forwarded.
type TapFunc func(room string, env model.Envelope)

type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
	taps   []TapFunc
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

// Tap registers fn for inbound envelopes. Must be called before endpoints connect.
func (sw *Switch) Tap(fn TapFunc) {
	sw.mx.Lock()
	sw.taps = append(sw.taps, fn)
	sw.mx.Unlock()
}

// Disconnect detaches wire from room. It reports false and leaves the room
// untouched when peer is attached through another wire.
func (sw *Switch) Disconnect(room, peer string, wire model.Wire) (bool, error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	members, ok := sw.fwd[room]
	if !ok {
		return false, nil
	}
	if current, ok := members[peer]; !ok || !current.Same(wire) {
		sw.logger.Debug().
			Str("room", room).
			Str("peer", peer).
			Msg("stale session, peer is attached through a newer wire")
		return false, nil
	}
	delete(members, peer)
	if len(members) == 0 {
		delete(sw.fwd, room)
	}
	sw.logger.Debug().
		Str("room", room).
		Str("peer", peer).
		Msg("peer disconnected")
	return true, nil
}

func (sw *Switch) Connect(ctx context.Context, room string, peer string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("room", room).
			Str("peer", peer).
			Msg("peer connected")
		go sw.forwardEnvelopes(ctx, room, wire.RX)
	}()

	members, ok := sw.fwd[room]
	if !ok {
		members = make(map[string]model.Wire)
	}
	if old, ok := members[peer]; ok && !old.Same(wire) {
		evict(old)
		sw.logger.Debug().
			Str("room", room).
			Str("peer", peer).
			Msg("previous session evicted")
	}
	members[peer] = wire
	sw.fwd[room] = members
	return nil
}

func evict(w model.Wire) {
	select {
	case w.Evict <- struct{}{}:
	default:
	}
}

func (sw *Switch) forwardEnvelopes(ctx context.Context, room string, rx <-chan model.Envelope) {
	// an envelope taken off rx is delivered even if its session ends meanwhile,
	// each send is still bounded by the dead endpoint timeout
	fwdCtx := context.WithoutCancel(ctx)
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case env := <-rx:
			if env.SRC == "" {
				sw.logger.Error().
					Str("room", room).
					Msg("envelope with empty src")
				continue
			}
			sw.mx.RLock()
			taps := sw.taps
			sw.mx.RUnlock()
			for _, tap := range taps {
				tap(room, env)
			}
			if !sw.forward(fwdCtx, env, room) {
				sw.logger.Debug().
					Str("room", room).
					Str("src", env.SRC).
					Str("event", env.Event).
					Msg("incoming envelope was dropped, nowhere to forward")
			}
		}
	}
}

func (sw *Switch) Broadcast(ctx context.Context, env model.Envelope, room string) error {
	env.DST = "" // clear dst just in case
	if !sw.forward(ctx, env, room) {
		sw.logger.Debug().
			Str("room", room).
			Str("event", env.Event).
			Str("src", env.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

// Unicast delivers env to env.DST only.
func (sw *Switch) Unicast(ctx context.Context, env model.Envelope, room string) error {
	if env.DST == "" {
		return sw.Broadcast(ctx, env, room)
	}
	sw.forward(ctx, env, room)
	return nil
}

func (sw *Switch) forward(ctx context.Context, env model.Envelope, room string) bool {
	var (
		sent   bool
		logger = sw.logger.With().
			Str("room", room).
			Str("event", env.Event).
			Str("src", env.SRC).Logger()
	)

	sw.mx.RLock()
	members := make(map[string]model.Wire, len(sw.fwd[room]))
	for id, w := range sw.fwd[room] {
		members[id] = w
	}
	sw.mx.RUnlock()

	if env.DST == "" {
		// broadcast

		for dst, wire := range members {
			if dst != env.SRC {
				envSent, canceled := send(ctx, env, dst, wire.TX, &logger)
				if canceled {
					break
				}
				if envSent {
					sent = true
				}
			}
		}

	} else {
		// send to a particular peer

		wire, ok := members[env.DST]
		if !ok {
			logger.Debug().Str("dst", env.DST).Msg("cannot forward, dst not found")
		} else {
			sent, _ = send(ctx, env, env.DST, wire.TX, &logger)
		}
	}
	return sent
}

func send(ctx context.Context, env model.Envelope, dst string, tx chan<- model.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- env:
		logger.Trace().Str("dst", dst).Msg("envelope is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
