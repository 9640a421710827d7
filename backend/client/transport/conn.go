package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultSendQueue         = 64
	defaultWriteDeadline     = 5 * time.Second
	defaultCloseWriteTimeout = 2 * time.Second
	// server pings every 5s; missing pings for this long means the link is dead
	defaultPingWait = 15 * time.Second
)

var (
	ErrClosed    = errors.New("channel is closed")
	ErrHandshake = errors.New("session handshake failed")
)

type DialConfig struct {
	Logger *zerolog.Logger
	// ServerURL is the websocket relay base, e.g. ws://localhost:8888
	ServerURL string
	RoomID    string
	PeerID    string
	PingWait  time.Duration
	Dialer    *websocket.Dialer
}

// Conn is a bidirectional named-event channel scoped to one room.
type Conn struct {
	conn   *websocket.Conn
	bus    *Bus
	room   model.Room
	peerID string
	tx     chan model.Envelope
	logger zerolog.Logger

	pingWait time.Duration

	// closing is closed by Close; the sender flushes tx and then shuts down
	sendMx    sync.RWMutex
	closing   chan struct{}
	closeReq  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	errMx     sync.Mutex
	err       error
}

// SessionURL builds the websocket address of a peer session.
func SessionURL(serverURL, roomID, peerID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") +
		"/session/room/" + url.PathEscape(roomID) +
		"/peer/" + url.PathEscape(peerID)
	return u.String(), nil
}

// Dial opens the session and waits for the server to confirm it.
// The returned Conn is ready: the room snapshot is known and envelopes flow.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	addr, err := SessionURL(cfg.ServerURL, cfg.RoomID, cfg.PeerID)
	if err != nil {
		return nil, errors.Join(ErrHandshake, err)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, addr, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Join(ErrHandshake, err)
	}

	c := &Conn{
		conn:     ws,
		bus:      NewBus(),
		peerID:   cfg.PeerID,
		tx:       make(chan model.Envelope, defaultSendQueue),
		pingWait: cfg.PingWait,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		logger: cfg.Logger.With().
			Str("component", "transport").
			Str("roomID", cfg.RoomID).
			Str("peerID", cfg.PeerID).
			Logger(),
	}
	if c.pingWait <= 0 {
		c.pingWait = defaultPingWait
	}

	if err = c.awaitConnected(ctx); err != nil {
		_ = ws.Close()
		return nil, errors.Join(ErrHandshake, err)
	}

	go c.receive()
	go c.send()
	return c, nil
}

func (c *Conn) awaitConnected(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})

	for {
		env, err := c.read()
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env.Event != model.EventConnected {
			c.logger.Debug().Str("event", env.Event).Msg("dropping envelope received before session is ready")
			continue
		}
		if !stop() {
			// deadline hook already fired
			return ctx.Err()
		}
		if err = json.Unmarshal(env.Payload, &c.room); err != nil {
			return fmt.Errorf("decode room: %w", err)
		}
		return c.conn.SetReadDeadline(time.Now().Add(c.pingWait))
	}
}

func (c *Conn) read() (model.Envelope, error) {
	var env model.Envelope
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(msg, &env)
	return env, err
}

func (c *Conn) receive() {
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pingWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var env model.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming envelope")
			continue
		}
		n := c.bus.Dispatch(env)
		c.logger.Trace().
			Str("event", env.Event).
			Str("src", env.SRC).
			Int("handlers", n).
			Msg("envelope dispatched")
	}
}

func (c *Conn) send() {
	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			c.flush()
			return
		case env := <-c.tx:
			if err := c.write(env); err != nil {
				c.logger.Error().Err(err).Str("event", env.Event).Msg("failed to write envelope")
				c.shutdown(err)
				return
			}
		}
	}
}

// flush writes whatever is still queued and closes the channel.
func (c *Conn) flush() {
	for {
		select {
		case env := <-c.tx:
			if err := c.write(env); err != nil {
				c.logger.Error().Err(err).Str("event", env.Event).Msg("failed to flush envelope")
				c.shutdown(err)
				return
			}
		default:
			c.shutdown(ErrClosed)
			return
		}
	}
}

func (c *Conn) write(env model.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	if err = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// shutdown records the first error and tears the connection down once.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMx.Lock()
		c.err = cause
		c.errMx.Unlock()
		close(c.done)

		err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultCloseWriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug().Err(err).Msg("failed to send close frame")
		}
		_ = c.conn.Close()

		if cause != nil && !errors.Is(cause, ErrClosed) && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			c.logger.Warn().Err(cause).Msg("channel closed")
		} else {
			c.logger.Debug().Msg("channel closed")
		}
	})
}

// Send queues env for delivery. DST empty broadcasts to the room.
func (c *Conn) Send(env model.Envelope) error {
	c.sendMx.RLock()
	defer c.sendMx.RUnlock()
	select {
	case <-c.done:
		return ErrClosed
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.tx <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Emit broadcasts event with payload marshalled to JSON.
func (c *Conn) Emit(event string, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Conn) On(event string, h Handler) Subscription {
	return c.bus.On(event, h)
}

func (c *Conn) Once(event string, h Handler) Subscription {
	return c.bus.Once(event, h)
}

func (c *Conn) Off(s Subscription) {
	c.bus.Off(s)
}

// Done is closed when the channel is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel closed, nil while open.
func (c *Conn) Err() error {
	c.errMx.Lock()
	defer c.errMx.Unlock()
	return c.err
}

func (c *Conn) Room() model.Room {
	return c.room
}

func (c *Conn) PeerID() string {
	return c.peerID
}

// Close delivers what was already sent, bounded by the close timeout, and
// then closes the channel.
func (c *Conn) Close() error {
	c.closeReq.Do(func() {
		c.sendMx.Lock()
		close(c.closing)
		c.sendMx.Unlock()
	})
	t := time.NewTimer(defaultCloseWriteTimeout)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
		c.logger.Warn().Msg("pending envelopes not flushed in time")
		c.shutdown(ErrClosed)
	}
	return nil
}
