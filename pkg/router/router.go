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

// Package router owns the live extension sockets. It accepts one
// persistent connection per extension, authenticates every frame, relays
// host events out and extension notifications in, and correlates callback
// replies and intents through context identifiers.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/notify"
)

var (
	// ErrExtensionGone rejects calls whose extension has no live socket or
	// disconnected while the call was pending.
	ErrExtensionGone = errors.New("extension gone")

	// ErrIntentCancelled marks an intent the user dismissed. Intent
	// handlers return it to answer the extension with the cancel branch.
	ErrIntentCancelled = errors.New("intent cancelled")

	// ErrIntentError marks an intent that failed in the surface handling
	// it. The message travels back to the extension's awaiting task.
	ErrIntentError = errors.New("intent error")
)

// KeyChecker validates the (extensionId, apiKey) pair carried by every
// inbound frame.
type KeyChecker interface {
	CheckKey(extensionID, apiKey string) bool
}

// ConnectionListener observes socket lifecycle. Callbacks run on the
// connection's goroutine and must not block.
type ConnectionListener interface {
	ExtensionConnected(extensionID string, info ConnectionInfo)
	ExtensionDisconnected(extensionID string)
}

// IntentHandler resolves user-facing intents. The host wires the UI
// surface in here; returning ErrIntentCancelled answers the cancel branch,
// any other error the error branch. The context ends when the extension's
// socket closes.
type IntentHandler interface {
	HandleIntent(ctx context.Context, extensionID string, intent *IntentRequest) (json.RawMessage, error)
}

// Options configures a Router. Keys is required.
type Options struct {
	Keys     KeyChecker
	Listener ConnectionListener
	Intents  IntentHandler
	// Bus receives relayed extension logs and notifications when set.
	Bus *notify.Bus
}

type callResult struct {
	value json.RawMessage
	err   error
}

type conn struct {
	id   string
	ws   *websocket.Conn
	info ConnectionInfo

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) addPending(contextID string, ch chan callResult) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[contextID] = ch
}

func (c *conn) removePending(contextID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, contextID)
}

// resolvePending hands a callback reply to its waiter. Replies for unknown
// contexts report false.
func (c *conn) resolvePending(contextID string, res callResult) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[contextID]
	if ok {
		delete(c.pending, contextID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

func (c *conn) rejectAll(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = map[string]chan callResult{}
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// Router accepts and multiplexes extension sockets.
type Router struct {
	keys     KeyChecker
	listener ConnectionListener
	intents  IntentHandler
	bus      *notify.Bus
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*conn
	waiters   map[string][]chan struct{}
	destroyed bool
}

// New returns a Router serving no connections yet. Mount it on the api
// mux, extensions dial it once their process comes up.
func New(opts Options) *Router {
	return &Router{
		keys:     opts.Keys,
		listener: opts.Listener,
		intents:  opts.Intents,
		bus:      opts.Bus,
		logger:   logrus.WithField("component", "router"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Extensions are local children, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:   map[string]*conn{},
		waiters: map[string][]chan struct{}{},
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnf("rejecting socket: %v", err)
		return
	}
	r.serve(ws)
}

func (r *Router) serve(ws *websocket.Conn) {
	defer ws.Close()

	// The first frame must open the connection channel.
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		r.logger.Debugf("socket closed before opening frame: %v", err)
		return
	}
	if !r.authenticated(f) {
		r.logger.WithField("extension", f.ExtensionID).Warn("rejecting socket: bad api key")
		return
	}

	var body inboundBody
	if err := json.Unmarshal(f.Body, &body); err != nil || body.Connection == nil || !body.Connection.IsOpen {
		r.logger.WithField("extension", f.ExtensionID).Warn("rejecting socket: expected connection open frame")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:      f.ExtensionID,
		ws:      ws,
		info:    *body.Connection,
		ctx:     ctx,
		cancel:  cancel,
		pending: map[string]chan callResult{},
		closed:  make(chan struct{}),
	}

	if !r.register(c) {
		return
	}
	defer r.unregister(c)

	r.logger.WithFields(logrus.Fields{
		"extension": c.id,
		"sdk":       c.info.SDKVersion,
	}).Info("extension connected")

	r.readLoop(c)
}

func (r *Router) authenticated(f Frame) bool {
	return f.ExtensionID != "" && r.keys.CheckKey(f.ExtensionID, f.APIKey)
}

// register installs the connection, replacing any stale socket for the
// same extension, and wakes connection waiters.
func (r *Router) register(c *conn) bool {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return false
	}
	old := r.conns[c.id]
	r.conns[c.id] = c
	waiters := r.waiters[c.id]
	delete(r.waiters, c.id)
	r.mu.Unlock()

	if old != nil {
		r.logger.WithField("extension", c.id).Warn("replacing stale connection")
		old.ws.Close()
	}
	for _, w := range waiters {
		close(w)
	}
	if r.listener != nil {
		r.listener.ExtensionConnected(c.id, c.info)
	}
	return true
}

func (r *Router) unregister(c *conn) {
	r.mu.Lock()
	current := r.conns[c.id] == c
	if current {
		delete(r.conns, c.id)
	}
	r.mu.Unlock()

	c.cancel()
	c.closeOnce.Do(func() { close(c.closed) })
	c.rejectAll(errors.Wrapf(ErrExtensionGone, "extension %s disconnected", c.id))

	// A replaced socket's teardown must not report the extension as
	// disconnected while its successor is live.
	if current {
		r.logger.WithField("extension", c.id).Info("extension disconnected")
		if r.listener != nil {
			r.listener.ExtensionDisconnected(c.id)
		}
	}
}

func (r *Router) readLoop(c *conn) {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.WithField("extension", c.id).Debugf("socket read ended: %v", err)
			}
			return
		}
		if f.ExtensionID != c.id || !r.authenticated(f) {
			r.logger.WithField("extension", c.id).Warn("dropping connection: frame failed authentication")
			return
		}
		if !r.handleFrame(c, f) {
			return
		}
	}
}

// handleFrame routes one inbound frame. Returns false when the connection
// should end.
func (r *Router) handleFrame(c *conn, f Frame) bool {
	logger := r.logger.WithField("extension", c.id)

	var body inboundBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		logger.Warnf("dropping connection: malformed frame body: %v", err)
		return false
	}

	switch {
	case body.Connection != nil:
		if !body.Connection.IsOpen {
			logger.Debug("extension announced shutdown")
			return false
		}
		// Duplicate open, keep the existing registration.
		return true

	case body.Log != nil:
		r.relayLog(c.id, logger, body.Log)
		return true

	case body.Notification != nil:
		if r.bus != nil {
			r.bus.Emit(notify.Event{
				Entity:      notify.EntityExtension,
				Action:      notify.ActionNotification,
				ExtensionID: c.id,
				Payload:     body.Notification,
			})
		}
		return true

	case body.Acknowledgment != nil:
		if body.Acknowledgment.Success {
			logger.WithField("context", f.ContextID).Debug("event acknowledged")
		} else {
			logger.WithField("context", f.ContextID).Warn("extension failed to process event")
		}
		return true

	case body.Intent != nil:
		go r.resolveIntent(c, f.ContextID, body.Intent)
		return true

	default:
		if f.ContextID != "" && c.resolvePending(f.ContextID, resultFromBody(body)) {
			return true
		}
		logger.WithField("context", f.ContextID).Warn("ignoring unrecognised frame")
		return true
	}
}

func resultFromBody(body inboundBody) callResult {
	if body.Error != "" {
		return callResult{err: errors.Errorf("extension reported: %s", body.Error)}
	}
	return callResult{value: body.Value}
}

func (r *Router) relayLog(id string, logger *logrus.Entry, record *LogRecord) {
	switch record.Level {
	case "debug":
		logger.Debug(record.Message)
	case "warn", "warning":
		logger.Warn(record.Message)
	case "error":
		logger.Error(record.Message)
	default:
		logger.Info(record.Message)
	}
	if r.bus != nil {
		r.bus.Emit(notify.Event{
			Entity:      notify.EntityExtension,
			Action:      notify.ActionLog,
			ExtensionID: id,
			Payload:     *record,
		})
	}
}

// resolveIntent runs the intent through the host surface and answers the
// extension's awaiting task on the same context identifier.
func (r *Router) resolveIntent(c *conn, contextID string, intent *IntentRequest) {
	kind, ok := intent.Kind()
	if !ok {
		r.logger.WithField("extension", c.id).Warn("intent frame names no intent")
		return
	}

	reply := IntentReply{}
	if r.intents == nil {
		reply.Cancel = true
	} else {
		value, err := r.intents.HandleIntent(c.ctx, c.id, intent)
		switch {
		case err == nil:
			reply.Value = value
		case errors.Is(err, ErrIntentCancelled):
			reply.Cancel = true
		default:
			reply.Error = err.Error()
		}
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		r.logger.WithField("extension", c.id).Errorf("encoding %s intent reply: %v", kind, err)
		return
	}
	if err := r.write(c, Frame{ExtensionID: c.id, ContextID: contextID, Body: raw}); err != nil {
		r.logger.WithField("extension", c.id).Debugf("dropping %s intent reply: %v", kind, err)
	}
}

// Connected reports whether the extension has a live socket.
func (r *Router) Connected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	return ok
}

// Info returns the opening frame details of a connected extension.
func (r *Router) Info(id string) (ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info, true
}

// AwaitConnection blocks until the extension connects, the context ends,
// or the router shuts down.
func (r *Router) AwaitConnection(ctx context.Context, id string) error {
	for {
		r.mu.Lock()
		if r.destroyed {
			r.mu.Unlock()
			return errors.Wrap(ErrExtensionGone, "router destroyed")
		}
		if _, ok := r.conns[id]; ok {
			r.mu.Unlock()
			return nil
		}
		wake := make(chan struct{})
		r.waiters[id] = append(r.waiters[id], wake)
		r.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Emit sends one event without awaiting a reply. An empty contextID gets a
// fresh correlation id.
func (r *Router) Emit(id string, event extension.EventName, contextID string, value any) error {
	c := r.conn(id)
	if c == nil {
		return errors.Wrapf(ErrExtensionGone, "extension %s has no live connection", id)
	}
	if contextID == "" {
		contextID = uuid.NewString()
	}
	return r.sendEvent(c, event, contextID, value, false)
}

// Call sends one event and blocks for the extension's callback reply.
func (r *Router) Call(ctx context.Context, id string, event extension.EventName, value any) (json.RawMessage, error) {
	c := r.conn(id)
	if c == nil {
		return nil, errors.Wrapf(ErrExtensionGone, "extension %s has no live connection", id)
	}

	contextID := uuid.NewString()
	ch := make(chan callResult, 1)
	c.addPending(contextID, ch)
	defer c.removePending(contextID)

	if err := r.sendEvent(c, event, contextID, value, true); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.value, res.err
	case <-c.closed:
		return nil, errors.Wrapf(ErrExtensionGone, "extension %s disconnected", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) conn(id string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

func (r *Router) sendEvent(c *conn, event extension.EventName, contextID string, value any, expectsReply bool) error {
	raw, err := json.Marshal(EventMessage{
		Channel:      event,
		ContextID:    contextID,
		Milliseconds: time.Now().UnixMilli(),
		Value:        value,
		ExpectsReply: expectsReply,
	})
	if err != nil {
		return errors.Wrapf(err, "encoding %s event", event)
	}
	if err := r.write(c, Frame{ExtensionID: c.id, ContextID: contextID, Body: raw}); err != nil {
		return errors.Wrapf(ErrExtensionGone, "sending %s to %s: %v", event, c.id, err)
	}
	return nil
}

// write serialises all frames to one socket. Emit order is write order.
func (r *Router) write(c *conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

// Disconnect closes the extension's socket if present. Pending calls
// reject with ErrExtensionGone.
func (r *Router) Disconnect(id string) {
	if c := r.conn(id); c != nil {
		c.ws.Close()
	}
}

// Destroy refuses new sockets and closes every live one.
func (r *Router) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	waiters := r.waiters
	r.waiters = map[string][]chan struct{}{}
	r.mu.Unlock()

	for _, list := range waiters {
		for _, w := range list {
			close(w)
		}
	}
	for _, c := range conns {
		c.ws.Close()
	}
}
