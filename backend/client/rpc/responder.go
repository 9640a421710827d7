package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/adwski/storyboard-relay/backend/client/transport"
	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/rs/zerolog"
)

// HandlerFunc answers one request. The returned value becomes the reply payload.
type HandlerFunc func(ctx context.Context, req model.Envelope) (any, error)

// Responder serves requests on the leader side of a room.
type Responder struct {
	ch     Channel
	ctx    context.Context
	logger zerolog.Logger

	mx   sync.Mutex
	subs []transport.Subscription
}

// NewResponder builds a responder whose handlers run with ctx.
func NewResponder(ctx context.Context, ch Channel, logger *zerolog.Logger) *Responder {
	return &Responder{
		ch:     ch,
		ctx:    ctx,
		logger: logger.With().Str("component", "rpc-responder").Logger(),
	}
}

// Handle installs h for requests of event. Handlers run on their own goroutine
// so a slow answer does not stall inbound dispatch.
func (r *Responder) Handle(event string, h HandlerFunc) {
	sub := r.ch.On(event, func(env model.Envelope) {
		if env.Reply {
			return
		}
		go r.serve(event, env, h)
	})
	r.mx.Lock()
	r.subs = append(r.subs, sub)
	r.mx.Unlock()
}

func (r *Responder) serve(event string, req model.Envelope, h HandlerFunc) {
	logger := r.logger.With().Str("event", event).Str("id", req.ID).Str("src", req.SRC).Logger()

	reply := model.Envelope{
		DST:   req.SRC,
		Event: event,
		ID:    req.ID,
		Reply: true,
	}
	res, err := h(r.ctx, req)
	if err != nil {
		reply.Error = err.Error()
		logger.Warn().Err(err).Msg("request failed")
	} else if res != nil {
		b, mErr := json.Marshal(res)
		if mErr != nil {
			reply.Error = mErr.Error()
			logger.Error().Err(mErr).Msg("failed to encode reply")
		} else {
			reply.Payload = b
		}
	}
	if err = r.ch.Send(reply); err != nil {
		logger.Error().Err(err).Msg("failed to send reply")
		return
	}
	logger.Debug().Msg("reply sent")
}

// Stop removes every installed handler.
func (r *Responder) Stop() {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, s := range r.subs {
		r.ch.Off(s)
	}
	r.subs = nil
}
