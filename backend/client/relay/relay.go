// Package relay decides, for every locally dispatched action, whether it is
// applied to the local store, forwarded to the room, or dropped.
//
// Shared-state mutations take effect locally only when they come back from the
// room, so the leader's event order is the single order every peer applies.
package relay

import (
	"encoding/json"

	"github.com/adwski/storyboard-relay/backend/model"
	"github.com/rs/zerolog"
)

// DeselectObject is the action type broadcast when a select action is applied locally.
const DeselectObject = "DESELECT_OBJECT"

type Treatment int

const (
	// ForwardOnly sends the action to the room and keeps it off the local store.
	ForwardOnly Treatment = iota
	// ApplyLocal passes the action to the local store and forwards nothing.
	ApplyLocal
	// ApplyLocalAndBroadcastDeselect applies a select locally and tells the
	// room to deselect the same object.
	ApplyLocalAndBroadcastDeselect
	// Suppress drops a remote echo whose ignore list names this peer.
	Suppress
)

func (t Treatment) String() string {
	switch t {
	case ForwardOnly:
		return "forward-only"
	case ApplyLocal:
		return "apply-local"
	case ApplyLocalAndBroadcastDeselect:
		return "apply-local-broadcast-deselect"
	case Suppress:
		return "suppress"
	default:
		return "unknown"
	}
}

type set map[string]struct{}

func newSet(items []string) set {
	s := make(set, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

func (s set) has(item string) bool {
	_, ok := s[item]
	return ok
}

// Rules classify action types. Select is expected to be a subset of Restricted;
// select types outside Restricted are treated as ordinary mutations.
type Rules struct {
	restricted set
	selects    set
}

func NewRules(restricted, selects []string) Rules {
	return Rules{
		restricted: newSet(restricted),
		selects:    newSet(selects),
	}
}

// DefaultRestricted are UI-only action types that never leave the peer.
var DefaultRestricted = []string{
	"SELECT_OBJECT",
	"SELECT_OBJECT_TOGGLE",
	"SELECT_BONE",
	"SELECT_ATTACHABLE",
	"DESELECT_ATTACHABLE",
	"SET_MAIN_VIEW_CAMERA",
	"SET_CAMERA_SHOTS",
	"UNDO_GROUP_START",
	"UNDO_GROUP_END",
}

// DefaultSelect are the restricted types that express object selection.
var DefaultSelect = []string{
	"SELECT_OBJECT",
	"SELECT_OBJECT_TOGGLE",
}

func DefaultRules() Rules {
	return NewRules(DefaultRestricted, DefaultSelect)
}

// Classify maps an action to its treatment. It is pure.
// A remote action whose ignore list names peerID is an echo of this peer's own
// broadcast: it is neither applied nor forwarded again.
func (r Rules) Classify(actionType string, meta *model.Meta, peerID string) Treatment {
	restricted := r.restricted.has(actionType)
	selects := restricted && r.selects.has(actionType)
	remote := meta.Remote()
	ignored := remote && meta.Ignores(peerID)

	switch {
	case selects:
		return ApplyLocalAndBroadcastDeselect
	case restricted:
		return ApplyLocal
	case ignored:
		return Suppress
	case remote:
		return ApplyLocal
	default:
		return ForwardOnly
	}
}

// DispatchFunc hands an action to the next stage of the store pipeline.
type DispatchFunc func(action model.Action)

// Forwarder puts an action on the room channel.
type Forwarder interface {
	Emit(event string, payload any) error
}

type Config struct {
	Logger    *zerolog.Logger
	Rules     Rules
	PeerID    string
	Forwarder Forwarder
	// Deselect builds the deselect action for a select payload. Defaults to a
	// DESELECT_OBJECT action with the same payload.
	Deselect func(payload json.RawMessage) model.Action
}

type Relay struct {
	rules    Rules
	peerID   string
	fwd      Forwarder
	deselect func(payload json.RawMessage) model.Action
	logger   zerolog.Logger
}

func New(cfg Config) *Relay {
	r := &Relay{
		rules:    cfg.Rules,
		peerID:   cfg.PeerID,
		fwd:      cfg.Forwarder,
		deselect: cfg.Deselect,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
	}
	if r.deselect == nil {
		r.deselect = func(payload json.RawMessage) model.Action {
			return model.Action{Type: DeselectObject, Payload: payload}
		}
	}
	return r
}

// Middleware wraps next so that every action goes through classification first.
func (r *Relay) Middleware(next DispatchFunc) DispatchFunc {
	return func(action model.Action) {
		t := r.rules.Classify(action.Type, action.Meta, r.peerID)
		r.logger.Trace().
			Str("type", action.Type).
			Stringer("treatment", t).
			Msg("action classified")

		switch t {
		case ApplyLocalAndBroadcastDeselect:
			r.Forward(r.deselect(action.Payload), &model.Meta{Ignore: []string{r.peerID}})
			next(action)
		case ApplyLocal:
			next(action)
		case ForwardOnly:
			// a local action goes out with fresh meta
			r.Forward(action, &model.Meta{})
		case Suppress:
		}
	}
}

// Forward emits action to the room marked as remote-originated. meta replaces
// the action's own meta when given.
func (r *Relay) Forward(action model.Action, meta *model.Meta) {
	out := &model.Meta{}
	switch {
	case meta != nil:
		*out = *meta
	case action.Meta != nil:
		*out = *action.Meta
	}
	out.IsXR = true
	action.Meta = out

	if err := r.fwd.Emit(model.EventAction, action); err != nil {
		r.logger.Error().Err(err).Str("type", action.Type).Msg("failed to forward action")
	}
}
