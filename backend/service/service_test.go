package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adwski/storyboard-relay/backend/model"
	store "github.com/adwski/storyboard-relay/backend/storage/memory"
	sw "github.com/adwski/storyboard-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	logger := zerolog.Nop()
	return NewService(Config{
		RoomStore: store.NewMemStore(0),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
}

// next returns the first envelope of the given event, skipping the rest.
func next(t *testing.T, tx <-chan model.Envelope, event string) model.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-tx:
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
			return model.Envelope{}
		}
	}
}

func TestService_SessionLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService()

	_, err := svc.JoinRoom("r1", "desktop")
	require.NoError(t, err)
	_, err = svc.JoinRoom("r1", "xr")
	require.NoError(t, err)

	desktop := model.NewWire()
	require.NoError(t, svc.CreateSignalingSession(ctx, "r1", "desktop", desktop))
	welcome := next(t, desktop.TX, model.EventConnected)

	var room model.Room
	require.NoError(t, json.Unmarshal(welcome.Payload, &room))
	assert.Equal(t, "desktop", room.Leader)

	xr := model.NewWire()
	require.NoError(t, svc.CreateSignalingSession(ctx, "r1", "xr", xr))
	assert.Equal(t, "xr", next(t, xr.TX, model.EventConnected).DST)

	joined := next(t, desktop.TX, model.EventJoined)
	assert.Equal(t, "xr", joined.SRC)

	require.NoError(t, svc.DeleteSignalingSession(ctx, "r1", "xr", xr))
	left := next(t, desktop.TX, model.EventLeft)
	assert.Equal(t, "xr", left.SRC)
}

func TestService_ReconnectSurvivesStaleTeardown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService()

	_, err := svc.JoinRoom("r1", "desktop")
	require.NoError(t, err)
	_, err = svc.JoinRoom("r1", "xr")
	require.NoError(t, err)

	desktop := model.NewWire()
	require.NoError(t, svc.CreateSignalingSession(ctx, "r1", "desktop", desktop))
	next(t, desktop.TX, model.EventConnected)

	old := model.NewWire()
	require.NoError(t, svc.CreateSignalingSession(ctx, "r1", "xr", old))
	next(t, old.TX, model.EventConnected)
	next(t, desktop.TX, model.EventJoined)

	fresh := model.NewWire()
	require.NoError(t, svc.CreateSignalingSession(ctx, "r1", "xr", fresh))
	next(t, fresh.TX, model.EventConnected)
	select {
	case <-old.Evict:
	case <-time.After(2 * time.Second):
		t.Fatal("previous session was not evicted")
	}

	// the old socket dies after the peer came back
	require.NoError(t, svc.DeleteSignalingSession(ctx, "r1", "xr", old))

	room, err := svc.store.GetRoom("r1")
	require.NoError(t, err)
	assert.Contains(t, room.Participants, "xr")

	go func() {
		desktop.RX <- model.Envelope{SRC: "desktop", Event: model.EventAction, Payload: json.RawMessage(`{"type":"UPDATE_OBJECT"}`)}
	}()
	assert.Equal(t, "desktop", next(t, fresh.TX, model.EventAction).SRC)

	// no left was announced for the stale teardown
	select {
	case env := <-desktop.TX:
		assert.NotEqual(t, model.EventLeft, env.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_CreateSessionRequiresMembership(t *testing.T) {
	svc := newTestService()

	err := svc.CreateSignalingSession(context.Background(), "r1", "xr", model.NewWire())
	assert.ErrorIs(t, err, ErrGet)

	_, err = svc.JoinRoom("r1", "desktop")
	require.NoError(t, err)
	err = svc.CreateSignalingSession(context.Background(), "r1", "xr", model.NewWire())
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestService_JoinFullRoom(t *testing.T) {
	logger := zerolog.Nop()
	svc := NewService(Config{
		RoomStore: store.NewMemStore(1),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	_, err := svc.JoinRoom("r1", "desktop")
	require.NoError(t, err)
	_, err = svc.JoinRoom("r1", "xr")
	assert.ErrorIs(t, err, ErrJoin)
	assert.ErrorIs(t, err, store.ErrRoomIsFull)
}

func TestService_ObserveIgnoresOtherEvents(t *testing.T) {
	svc := newTestService()
	// must not panic on garbage or non-debug payloads
	svc.Observe("r1", model.Envelope{Event: model.EventDebug, SRC: "xr", Payload: json.RawMessage(`{"fps":60}`)})
	svc.Observe("r1", model.Envelope{Event: model.EventDebug, SRC: "xr", Payload: json.RawMessage(`not json`)})
	svc.Observe("r1", model.Envelope{Event: model.EventAction, SRC: "xr"})
}
