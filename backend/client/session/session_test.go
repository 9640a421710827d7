package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adwski/storyboard-relay/backend/client/rpc"
	"github.com/adwski/storyboard-relay/backend/model"
	httpServer "github.com/adwski/storyboard-relay/backend/server/http"
	websocketServer "github.com/adwski/storyboard-relay/backend/server/websocket"
	"github.com/adwski/storyboard-relay/backend/service"
	store "github.com/adwski/storyboard-relay/backend/storage/memory"
	sw "github.com/adwski/storyboard-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayURLs struct {
	api, ws string
}

func startRelay(t *testing.T) relayURLs {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(0),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	api := httptest.NewServer(httpServer.NewServer(httpServer.Config{Logger: &logger, RoomService: svc}).Handler())
	ws := httptest.NewServer(websocketServer.NewServer(websocketServer.Config{Logger: &logger, SessionService: svc}).Handler())
	t.Cleanup(func() {
		ws.Close()
		api.Close()
	})
	return relayURLs{api: api.URL, ws: ws.URL}
}

func connect(t *testing.T, urls relayURLs, room, peer string) *Client {
	t.Helper()
	logger := zerolog.Nop()
	c, err := Connect(context.Background(), Config{
		Logger:         &logger,
		BaseURI:        urls.api,
		Location:       "file:///index.html?id=" + room,
		APIURL:         urls.api,
		SessionURL:     urls.ws,
		PeerID:         peer,
		ConnectTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recorder struct {
	mx      sync.Mutex
	actions []model.Action
	ch      chan model.Action
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan model.Action, 16)}
}

func (r *recorder) Dispatch(a model.Action) {
	r.mx.Lock()
	r.actions = append(r.actions, a)
	r.mx.Unlock()
	r.ch <- a
}

func (r *recorder) wait(t *testing.T) model.Action {
	t.Helper()
	select {
	case a := <-r.ch:
		return a
	case <-time.After(3 * time.Second):
		t.Fatal("no action dispatched")
	}
	return model.Action{}
}

type dispatchFunc func(model.Action)

func (f dispatchFunc) Dispatch(a model.Action) { f(a) }

func TestRoomFromLocation(t *testing.T) {
	room, err := RoomFromLocation("https://host/xr.html?id=abc&x=1")
	require.NoError(t, err)
	assert.Equal(t, "abc", room)

	for _, loc := range []string{"https://host/xr.html", "https://host/?id=", "", "%zz"} {
		_, err = RoomFromLocation(loc)
		assert.ErrorIs(t, err, ErrMissingRoom, loc)
	}
}

func TestConnect_MissingRoomBeforeNetwork(t *testing.T) {
	hit := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer ts.Close()

	logger := zerolog.Nop()
	_, err := Connect(context.Background(), Config{
		Logger:     &logger,
		Location:   "file:///index.html",
		APIURL:     ts.URL,
		SessionURL: ts.URL,
	})
	assert.ErrorIs(t, err, ErrMissingRoom)
	assert.False(t, hit)
}

func TestConnect_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	logger := zerolog.Nop()
	start := time.Now()
	_, err := Connect(context.Background(), Config{
		Logger:         &logger,
		Location:       "file:///index.html?id=r1",
		APIURL:         ts.URL,
		SessionURL:     ts.URL,
		ConnectTimeout: 100 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrConnection)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnect_JoinRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"room is full"}`))
	}))
	defer ts.Close()

	logger := zerolog.Nop()
	_, err := Connect(context.Background(), Config{
		Logger:     &logger,
		Location:   "file:///index.html?id=r1",
		APIURL:     ts.URL,
		SessionURL: ts.URL,
	})
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "room is full")
}

// leader mimics the desktop application: it serves rpc and reflects actions back to the room.
func leader(t *testing.T, c *Client) {
	t.Helper()
	logger := zerolog.Nop()
	resp := rpc.NewResponder(context.Background(), c.Conn(), &logger)
	resp.Handle(model.EventGetBoards, func(context.Context, model.Envelope) (any, error) {
		return []map[string]string{{"uid": "b1"}}, nil
	})
	resp.Handle(model.EventGetResource, func(_ context.Context, req model.Envelope) (any, error) {
		var rr rpc.ResourceRequest
		if err := json.Unmarshal(req.Payload, &rr); err != nil {
			return nil, err
		}
		return map[string]string{"type": rr.Type, "filePath": rr.FilePath, "data": "bytes-of-" + rr.FilePath}, nil
	})
	t.Cleanup(resp.Stop)

	c.Conn().On(model.EventAction, func(env model.Envelope) {
		assert.NoError(t, c.Conn().Emit(model.EventAction, env.Payload))
	})
}

func TestSession_RoundTrip(t *testing.T) {
	urls := startRelay(t)

	desktop := connect(t, urls, "r1", "desktop")
	leader(t, desktop)
	xr := connect(t, urls, "r1", "xr")
	assert.Equal(t, "desktop", xr.Room().Leader)
	assert.Equal(t, "xr", xr.PeerID())
	assert.Equal(t, urls.api+"/boards/images/b1.png", xr.URIForThumbnail("b1.png"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	boards, err := xr.GetBoards(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"uid":"b1"}]`, string(boards))

	res, err := xr.GetResource(ctx, "model", "/a.glb")
	require.NoError(t, err)
	assert.Equal(t, "/a.glb", res.FilePath)

	reducer := newRecorder()
	dispatch := xr.Middleware(reducer.Dispatch)
	xr.ConnectStore(dispatchFunc(dispatch), nil)

	// local mutation is forwarded and applied only once the leader reflects it
	dispatch(model.Action{Type: "UPDATE_OBJECT", Payload: json.RawMessage(`{"id":"o1","x":2}`)})
	got := reducer.wait(t)
	assert.Equal(t, "UPDATE_OBJECT", got.Type)
	require.NotNil(t, got.Meta)
	assert.True(t, got.Meta.IsXR)

	// restricted select is applied right away
	dispatch(model.Action{Type: "SELECT_OBJECT", Payload: json.RawMessage(`"o1"`)})
	assert.Equal(t, "SELECT_OBJECT", reducer.wait(t).Type)

	// the deselect broadcast comes back ignoring us and is dropped
	select {
	case a := <-reducer.ch:
		t.Fatalf("unexpected local apply: %+v", a)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_TelemetryAndRemoteStore(t *testing.T) {
	urls := startRelay(t)

	desktop := connect(t, urls, "r1", "desktop")
	xr := connect(t, urls, "r1", "xr")

	infos := make(chan json.RawMessage, 16)
	desktop.Conn().On(model.EventRemote, func(env model.Envelope) { infos <- env.Payload })
	debug := make(chan json.RawMessage, 1)
	desktop.Conn().On(model.EventDebug, func(env model.Envelope) { debug <- env.Payload })

	xr.SetFrameRate(3)
	for i := 1; i <= 3; i++ {
		xr.SendInfo(map[string]int{"frame": i}, false)
	}
	xr.SendInfo(map[string]int{"frame": 99}, true)
	xr.SetActive(false)
	xr.Log("fps=60")

	want := []string{`{"frame":3}`, `{"frame":99}`, `{"active":false}`}
	for _, w := range want {
		select {
		case p := <-infos:
			assert.JSONEq(t, w, string(p))
		case <-time.After(3 * time.Second):
			t.Fatalf("missing remote info %s", w)
		}
	}
	select {
	case p := <-debug:
		assert.JSONEq(t, `"fps=60"`, string(p))
	case <-time.After(3 * time.Second):
		t.Fatal("missing debug")
	}

	remote := newRecorder()
	xr.ConnectStore(nil, remote)
	require.NoError(t, desktop.Conn().Emit(model.EventRemoteAction, model.Action{Type: "SET_ID", Payload: json.RawMessage(`"xr"`)}))
	assert.Equal(t, "SET_ID", remote.wait(t).Type)

	// DispatchRemote marks the action remote and replaces its meta
	actions := make(chan json.RawMessage, 1)
	desktop.Conn().On(model.EventAction, func(env model.Envelope) { actions <- env.Payload })
	xr.DispatchRemote(model.Action{Type: "UPDATE_OBJECT", Meta: &model.Meta{Ignore: []string{"x"}}}, nil)
	select {
	case p := <-actions:
		assert.JSONEq(t, `{"type":"UPDATE_OBJECT","meta":{"isXR":true}}`, string(p))
	case <-time.After(3 * time.Second):
		t.Fatal("missing forwarded action")
	}
}

func TestSession_CloseReleasesPendingCalls(t *testing.T) {
	urls := startRelay(t)
	xr := connect(t, urls, "r1", "xr")

	errc := make(chan error, 1)
	go func() {
		_, err := xr.GetSg(context.Background())
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, xr.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, rpc.ErrTransportClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending call hangs after close")
	}
	assert.ErrorIs(t, xr.ConnectRequest(), rpc.ErrTransportClosed)
}

func TestThumbnailURI(t *testing.T) {
	assert.Equal(t, "/boards/images/a.png", ThumbnailURI("", "a.png"))
	assert.Equal(t, "http://h:8080/boards/images/a.png", ThumbnailURI("http://h:8080", "a.png"))
}
