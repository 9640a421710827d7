package model

import (
	"encoding/json"
	"slices"
)

type Room struct {
	ID           string                 `json:"room_id"`
	Leader       string                 `json:"leader"`
	Participants map[string]Participant `json:"participants"`
}

type Participant struct {
	ID string `json:"id"`
}

// Events sent by the relay server itself.
const (
	EventConnected = "connected" // unicast to a freshly attached peer, payload is Room
	EventJoined    = "joined"
	EventLeft      = "left"
)

// Events exchanged between peers of a room.
const (
	EventAction         = "action"
	EventRemoteAction   = "remoteAction"
	EventRemote         = "remote"
	EventDebug          = "debug"
	EventConnectRequest = "connectRequest"

	EventGetBoards    = "getBoards"
	EventSaveShot     = "saveShot"
	EventInsertShot   = "insertShot"
	EventGetSg        = "getSg"
	EventSetBoard     = "setBoard"
	EventIsSceneDirty = "isSceneDirty"
	EventGetResource  = "getResource"
)

// Envelope is the unit carried by the websocket channel.
type Envelope struct {
	DST   string `json:"dst,omitempty"` // empty means every other member of the room
	SRC   string `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Event string `json:"event"`
	ID    string `json:"id,omitempty"` // rpc correlation token
	Reply bool   `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a broadcast envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = b
	return env, nil
}

type Wire struct {
	RX chan Envelope
	TX chan Envelope
	// Evict is signalled when a newer session of the same peer takes over.
	Evict chan struct{}
}

func NewWire() Wire {
	return Wire{
		RX:    make(chan Envelope),
		TX:    make(chan Envelope),
		Evict: make(chan struct{}, 1),
	}
}

// Same reports whether w and o are the channels of one endpoint.
func (w Wire) Same(o Wire) bool {
	return w.RX == o.RX && w.TX == o.TX
}

// Action is a scene-state mutation as dispatched by the application store.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    *Meta           `json:"meta,omitempty"`
}

type Meta struct {
	IsXR   bool     `json:"isXR,omitempty"`
	Ignore []string `json:"ignore,omitempty"`
}

// Ignores reports whether peerID is listed in the ignore set.
func (m *Meta) Ignores(peerID string) bool {
	if m == nil {
		return false
	}
	return slices.Index(m.Ignore, peerID) != -1
}

// Remote reports whether the action arrived from another peer.
func (m *Meta) Remote() bool {
	return m != nil && m.IsXR
}
