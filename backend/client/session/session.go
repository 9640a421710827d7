package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/storyboard-relay/backend/client/relay"
	"github.com/adwski/storyboard-relay/backend/client/rpc"
	"github.com/adwski/storyboard-relay/backend/client/throttle"
	"github.com/adwski/storyboard-relay/backend/client/transport"
	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultConnectTimeout = 10 * time.Second

	// RoomParam is the query parameter of the navigation location holding the room id.
	RoomParam = "id"

	thumbnailPath = "/boards/images/"
)

var (
	ErrMissingRoom = errors.New("room is not entered")
	ErrConnection  = errors.New("unable to establish session")
)

// Dispatcher is a store accepting actions.
type Dispatcher interface {
	Dispatch(action model.Action)
}

type Config struct {
	Logger *zerolog.Logger
	// BaseURI prefixes thumbnail urls. It is not used for addressing the session.
	BaseURI string
	// Location is the navigation url the room id is read from.
	Location string
	// APIURL is the relay join api, e.g. http://localhost:8080
	APIURL string
	// SessionURL is the websocket relay, e.g. ws://localhost:8888
	SessionURL string
	// PeerID identifies this peer; generated when empty.
	PeerID         string
	ConnectTimeout time.Duration
	FrameRate      int
	Rules          *relay.Rules
	HTTPClient     *http.Client
}

type Client struct {
	*rpc.Caller

	conn     *transport.Conn
	relay    *relay.Relay
	rate     *throttle.Rate
	sendInfo func(info any, immediate bool)
	baseURI  string
	logger   zerolog.Logger
}

// RoomFromLocation extracts the room id from a navigation url.
func RoomFromLocation(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", errors.Join(ErrMissingRoom, err)
	}
	room := u.Query().Get(RoomParam)
	if room == "" {
		return "", ErrMissingRoom
	}
	return room, nil
}

// Connect joins the room named by cfg.Location and opens its channel.
// A missing room id fails before any network activity.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	roomID, err := RoomFromLocation(cfg.Location)
	if err != nil {
		return nil, err
	}
	peerID := cfg.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	logger := cfg.Logger.With().
		Str("roomID", roomID).
		Str("peerID", peerID).
		Logger()

	cCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err = join(cCtx, cfg.HTTPClient, cfg.APIURL, roomID, peerID); err != nil {
		return nil, errors.Join(ErrConnection, err)
	}
	conn, err := transport.Dial(cCtx, transport.DialConfig{
		Logger:    &logger,
		ServerURL: cfg.SessionURL,
		RoomID:    roomID,
		PeerID:    peerID,
	})
	if err != nil {
		return nil, errors.Join(ErrConnection, err)
	}
	logger.Info().Str("leader", conn.Room().Leader).Msg("connected")

	return newClient(conn, cfg, &logger), nil
}

func newClient(conn *transport.Conn, cfg Config, logger *zerolog.Logger) *Client {
	rules := relay.DefaultRules()
	if cfg.Rules != nil {
		rules = *cfg.Rules
	}
	frameRate := cfg.FrameRate
	if frameRate <= 0 {
		frameRate = throttle.DefaultFrameRate
	}
	c := &Client{
		Caller:  rpc.NewCaller(conn, logger),
		conn:    conn,
		rate:    throttle.NewRate(frameRate),
		baseURI: cfg.BaseURI,
		logger:  logger.With().Str("component", "session").Logger(),
		relay: relay.New(relay.Config{
			Logger:    logger,
			Rules:     rules,
			PeerID:    conn.PeerID(),
			Forwarder: conn,
		}),
	}
	c.sendInfo = throttle.Each(func(info any) {
		c.emit(model.EventRemote, info)
	}, c.rate)
	return c
}

func join(ctx context.Context, client *http.Client, apiURL, roomID, peerID string) error {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(map[string]string{"room_id": roomID, "peer_id": peerID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(apiURL, "/")+"/api/room", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		var gr struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(b, &gr)
		return fmt.Errorf("join refused: %s %s", resp.Status, gr.Error)
	}
	return nil
}

func (c *Client) emit(event string, payload any) {
	if err := c.conn.Emit(event, payload); err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("emit failed")
	}
}

// Middleware returns next wrapped by the action relay.
func (c *Client) Middleware(next relay.DispatchFunc) relay.DispatchFunc {
	return c.relay.Middleware(next)
}

// ConnectStore routes inbound actions: action goes to app, remoteAction to remote.
func (c *Client) ConnectStore(app, remote Dispatcher) {
	route := func(event string, d Dispatcher) {
		if d == nil {
			return
		}
		c.conn.On(event, func(env model.Envelope) {
			var action model.Action
			if err := json.Unmarshal(env.Payload, &action); err != nil {
				c.logger.Error().Err(err).Str("event", event).Msg("failed to decode action")
				return
			}
			c.logger.Debug().Str("event", event).Str("type", action.Type).Str("src", env.SRC).Msg("inbound action")
			d.Dispatch(action)
		})
	}
	route(model.EventRemoteAction, remote)
	route(model.EventAction, app)
}

// DispatchRemote forwards action to the room without touching the local store.
func (c *Client) DispatchRemote(action model.Action, meta *model.Meta) {
	if meta == nil {
		meta = &model.Meta{}
	}
	c.relay.Forward(action, meta)
}

// SendInfo emits throttled telemetry; immediate bypasses the throttle.
func (c *Client) SendInfo(info any, immediate bool) {
	c.sendInfo(info, immediate)
}

func (c *Client) SetActive(active bool) {
	c.emit(model.EventRemote, map[string]bool{"active": active})
}

// Log ships debug info to the room.
func (c *Client) Log(info any) {
	c.emit(model.EventDebug, info)
}

func (c *Client) SetFrameRate(n int) {
	c.rate.Set(n)
}

func (c *Client) URIForThumbnail(filename string) string {
	return ThumbnailURI(c.baseURI, filename)
}

// ThumbnailURI joins base, the board images segment and filename.
func ThumbnailURI(base, filename string) string {
	return base + thumbnailPath + filename
}

func (c *Client) PeerID() string {
	return c.conn.PeerID()
}

func (c *Client) Room() model.Room {
	return c.conn.Room()
}

func (c *Client) Conn() *transport.Conn {
	return c.conn
}

func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
