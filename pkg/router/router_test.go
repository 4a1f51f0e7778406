/*
Copyright 2025 The Photark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package router

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/notify"
)

type staticKeys map[string]string

func (k staticKeys) CheckKey(id, key string) bool {
	return key != "" && k[id] == key
}

type recordingListener struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	infos        map[string]ConnectionInfo
}

func (l *recordingListener) ExtensionConnected(id string, info ConnectionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.infos == nil {
		l.infos = map[string]ConnectionInfo{}
	}
	l.connected = append(l.connected, id)
	l.infos[id] = info
}

func (l *recordingListener) ExtensionDisconnected(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, id)
}

func (l *recordingListener) snapshot() (connected, disconnected []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.connected...), append([]string{}, l.disconnected...)
}

type intentFunc func(ctx context.Context, id string, intent *IntentRequest) (json.RawMessage, error)

func (f intentFunc) HandleIntent(ctx context.Context, id string, intent *IntentRequest) (json.RawMessage, error) {
	return f(ctx, id, intent)
}

type extClient struct {
	t   *testing.T
	ws  *websocket.Conn
	id  string
	key string
}

func dialExtension(t *testing.T, srv *httptest.Server, id, key string) *extClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &extClient{t: t, ws: ws, id: id, key: key}
	c.send("", map[string]any{
		"connection": ConnectionInfo{IsOpen: true, SDKVersion: "1.2.0", Environment: "node"},
	})
	return c
}

func (c *extClient) send(contextID string, body any) {
	c.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(Frame{
		ExtensionID: c.id,
		APIKey:      c.key,
		ContextID:   contextID,
		Body:        raw,
	}))
}

func (c *extClient) readFrame() Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

func (c *extClient) readEvent() (Frame, EventMessage) {
	c.t.Helper()
	f := c.readFrame()
	var msg EventMessage
	require.NoError(c.t, json.Unmarshal(f.Body, &msg))
	return f, msg
}

func waitConnected(t *testing.T, r *Router, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Connected(id) }, 3*time.Second, 10*time.Millisecond)
}

func TestConnectRegistersAndNotifies(t *testing.T) {
	listener := &recordingListener{}
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}, Listener: listener})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	info, ok := r.Info("demo.ext")
	require.True(t, ok)
	require.Equal(t, "1.2.0", info.SDKVersion)
	require.Equal(t, "node", info.Environment)

	connected, _ := listener.snapshot()
	require.Equal(t, []string{"demo.ext"}, connected)

	require.NoError(t, ext.ws.Close())
	require.Eventually(t, func() bool { return !r.Connected("demo.ext") }, 3*time.Second, 10*time.Millisecond)
	_, disconnected := listener.snapshot()
	require.Equal(t, []string{"demo.ext"}, disconnected)
}

func TestRejectsBadAPIKey(t *testing.T) {
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "wrong")

	// The router drops the socket instead of registering it.
	require.NoError(t, ext.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ext.ws.ReadMessage()
	require.Error(t, err)
	require.False(t, r.Connected("demo.ext"))
}

func TestAwaitConnection(t *testing.T) {
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- r.AwaitConnection(ctx, "demo.ext")
	}()

	time.Sleep(50 * time.Millisecond)
	dialExtension(t, srv, "demo.ext", "k1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("await did not resolve on connect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.AwaitConnection(ctx, "other.ext"), context.DeadlineExceeded)
}

func TestEmitDeliversInOrder(t *testing.T) {
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Emit("demo.ext", extension.ImageComputeTags, "ctx-1", i))
	}

	for i := 0; i < 5; i++ {
		f, msg := ext.readEvent()
		require.Equal(t, "ctx-1", f.ContextID)
		require.Equal(t, extension.ImageComputeTags, msg.Channel)
		require.Equal(t, float64(i), msg.Value)
		require.False(t, msg.ExpectsReply)
		require.Greater(t, msg.Milliseconds, int64(0))
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	r := New(Options{Keys: staticKeys{}})
	err := r.Emit("ghost.ext", extension.ImageCreated, "", nil)
	require.ErrorIs(t, err, ErrExtensionGone)
}

func TestCallRoundTrip(t *testing.T) {
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	go func() {
		f, msg := ext.readEvent()
		if !msg.ExpectsReply {
			return
		}
		ext.send(f.ContextID, map[string]any{"value": map[string]any{"embedding": []float64{1, 2}}})
	}()

	value, err := r.Call(context.Background(), "demo.ext", extension.TextComputeEmbeddings,
		map[string]string{"text": "hello"})
	require.NoError(t, err)
	require.JSONEq(t, `{"embedding":[1,2]}`, string(value))
}

func TestCallSurfacesExtensionError(t *testing.T) {
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	go func() {
		f, _ := ext.readEvent()
		ext.send(f.ContextID, map[string]any{"error": "model not loaded"})
	}()

	_, err := r.Call(context.Background(), "demo.ext", extension.TextComputeEmbeddings, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model not loaded")
}

func TestCallRejectedOnDisconnect(t *testing.T) {
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	go func() {
		ext.readEvent()
		_ = ext.ws.Close()
	}()

	_, err := r.Call(context.Background(), "demo.ext", extension.TextComputeEmbeddings, nil)
	require.True(t, errors.Is(err, ErrExtensionGone), "got %v", err)
}

func TestIntentResolvesValue(t *testing.T) {
	handler := intentFunc(func(_ context.Context, id string, intent *IntentRequest) (json.RawMessage, error) {
		require.Equal(t, "demo.ext", id)
		kind, ok := intent.Kind()
		require.True(t, ok)
		require.Equal(t, IntentParameters, kind)
		return json.RawMessage(`{"width":800}`), nil
	})
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}, Intents: handler})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	ext.send("int-1", map[string]any{"intent": map[string]any{"parameters": map[string]any{"schema": "..."}}})

	f := ext.readFrame()
	require.Equal(t, "int-1", f.ContextID)
	var reply IntentReply
	require.NoError(t, json.Unmarshal(f.Body, &reply))
	require.JSONEq(t, `{"width":800}`, string(reply.Value))
	require.False(t, reply.Cancel)
	require.Empty(t, reply.Error)
}

func TestIntentCancelAndError(t *testing.T) {
	handler := intentFunc(func(_ context.Context, _ string, intent *IntentRequest) (json.RawMessage, error) {
		if kind, _ := intent.Kind(); kind == IntentDialog {
			return nil, ErrIntentCancelled
		}
		return nil, errors.Wrap(ErrIntentError, "no surface for images")
	})
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}, Intents: handler})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	ext.send("int-cancel", map[string]any{"intent": map[string]any{"dialog": map[string]any{}}})
	f := ext.readFrame()
	var reply IntentReply
	require.NoError(t, json.Unmarshal(f.Body, &reply))
	require.True(t, reply.Cancel)

	ext.send("int-err", map[string]any{"intent": map[string]any{"images": map[string]any{}}})
	f = ext.readFrame()
	reply = IntentReply{}
	require.NoError(t, json.Unmarshal(f.Body, &reply))
	require.Contains(t, reply.Error, "no surface for images")
}

func TestLogAndNotificationReachBus(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	events := make(chan notify.Event, 4)
	bus.Subscribe(notify.Topic{Entity: notify.EntityExtension, Action: notify.ActionLog},
		func(e notify.Event) { events <- e })
	bus.Subscribe(notify.Topic{Entity: notify.EntityExtension, Action: notify.ActionNotification},
		func(e notify.Event) { events <- e })

	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}, Bus: bus})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ext := dialExtension(t, srv, "demo.ext", "k1")
	waitConnected(t, r, "demo.ext")

	ext.send("", map[string]any{"log": LogRecord{Level: "info", Message: "model warm"}})
	ext.send("", map[string]any{"notification": map[string]any{"title": "done"}})

	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			require.Equal(t, "demo.ext", e.ExtensionID)
		case <-time.After(3 * time.Second):
			t.Fatal("bus event not relayed")
		}
	}
}

func TestDestroyRefusesNewSockets(t *testing.T) {
	r := New(Options{Keys: staticKeys{"demo.ext": "k1"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	r.Destroy()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
}
