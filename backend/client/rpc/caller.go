// Package rpc runs request/response exchanges over a named-event channel.
//
// Every request carries a correlation token. A call listens on the event it
// emitted and resolves on the first reply carrying the same token, so concurrent
// calls of the same name never steal each other's responses.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/storyboard-relay/backend/client/transport"
	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTransportClosed = errors.New("transport closed before response arrived")
	ErrRemote          = errors.New("remote peer failed the request")
	ErrBadResponse     = errors.New("malformed response")
)

// Channel is the subset of transport.Conn the caller needs.
type Channel interface {
	Send(env model.Envelope) error
	On(event string, h transport.Handler) transport.Subscription
	Off(s transport.Subscription)
	Done() <-chan struct{}
}

// ResourceRequest is the getResource request payload.
type ResourceRequest struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath"`
}

// Resource is a getResource reply. Fields other than filePath are opaque.
type Resource struct {
	FilePath string          `json:"filePath"`
	Raw      json.RawMessage `json:"-"`
}

type Caller struct {
	ch     Channel
	logger zerolog.Logger
	newID  func() string
}

func NewCaller(ch Channel, logger *zerolog.Logger) *Caller {
	return &Caller{
		ch:     ch,
		logger: logger.With().Str("component", "rpc").Logger(),
		newID:  uuid.NewString,
	}
}

// Call emits event with payload and blocks until the matching reply, ctx is done
// or the channel closes. accept may further narrow which replies resolve the call;
// rejected replies keep the subscription alive.
func (c *Caller) Call(ctx context.Context, event string, payload any, accept func(model.Envelope) bool) (json.RawMessage, error) {
	req, err := model.NewEnvelope(event, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", event, err)
	}
	req.ID = c.newID()

	logger := c.logger.With().Str("event", event).Str("id", req.ID).Logger()

	replies := make(chan model.Envelope, 1)
	sub := c.ch.On(event, func(env model.Envelope) {
		if !env.Reply || env.ID != req.ID {
			return
		}
		if accept != nil && !accept(env) {
			logger.Trace().Msg("reply rejected, still waiting")
			return
		}
		// first accepted reply wins, the subscription is dropped on return
		select {
		case replies <- env:
		default:
		}
	})
	defer c.ch.Off(sub)

	if err = c.ch.Send(req); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("send %s request: %w", event, err)
	}
	logger.Debug().Msg("request sent")

	select {
	case env := <-replies:
		if env.Error != "" {
			return nil, errors.Join(ErrRemote, errors.New(env.Error))
		}
		logger.Debug().Msg("reply received")
		return env.Payload, nil
	case <-c.ch.Done():
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Caller) GetBoards(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, model.EventGetBoards, nil, nil)
}

func (c *Caller) SaveShot(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, model.EventSaveShot, nil, nil)
}

func (c *Caller) InsertShot(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, model.EventInsertShot, nil, nil)
}

func (c *Caller) GetSg(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, model.EventGetSg, nil, nil)
}

// SetBoard asks the leader to switch to board.
func (c *Caller) SetBoard(ctx context.Context, board any) (json.RawMessage, error) {
	return c.Call(ctx, model.EventSetBoard, board, nil)
}

func (c *Caller) IsSceneDirty(ctx context.Context) (bool, error) {
	raw, err := c.Call(ctx, model.EventIsSceneDirty, nil, nil)
	if err != nil {
		return false, err
	}
	var dirty bool
	if err = json.Unmarshal(raw, &dirty); err != nil {
		return false, errors.Join(ErrBadResponse, err)
	}
	return dirty, nil
}

// GetResource fetches a file from the leader. Replies for other paths are skipped.
func (c *Caller) GetResource(ctx context.Context, typ, filePath string) (*Resource, error) {
	var res Resource
	raw, err := c.Call(ctx, model.EventGetResource, ResourceRequest{Type: typ, FilePath: filePath},
		func(env model.Envelope) bool {
			var probe Resource
			return json.Unmarshal(env.Payload, &probe) == nil && probe.FilePath == filePath
		})
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Join(ErrBadResponse, err)
	}
	res.Raw = raw
	return &res, nil
}

// ConnectRequest asks the leader to push its current state. There is no reply.
func (c *Caller) ConnectRequest() error {
	err := c.ch.Send(model.Envelope{Event: model.EventConnectRequest})
	if errors.Is(err, transport.ErrClosed) {
		return ErrTransportClosed
	}
	return err
}
