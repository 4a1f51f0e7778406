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

package host

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/router"
	"github.com/photark/extension-host/pkg/store"
	"github.com/photark/extension-host/pkg/supervise"
	"github.com/photark/extension-host/pkg/throttle"
)

// deliverableTopics maps bus topics onto the socket events they become.
// Everything else on the bus stays host-internal.
var deliverableTopics = []struct {
	topic notify.Topic
	event extension.EventName
}{
	{notify.Topic{Entity: notify.EntityProcess, Action: notify.ActionRunCommand}, extension.ProcessRunCommand},
	{notify.Topic{Entity: notify.EntityImage, Action: notify.ActionCreated}, extension.ImageCreated},
	{notify.Topic{Entity: notify.EntityImage, Action: notify.ActionUpdated}, extension.ImageUpdated},
	{notify.Topic{Entity: notify.EntityImage, Action: notify.ActionDeleted}, extension.ImageDeleted},
	{notify.Topic{Entity: notify.EntityImage, Action: notify.ActionComputeFeatures}, extension.ImageComputeFeatures},
	{notify.Topic{Entity: notify.EntityImage, Action: notify.ActionComputeEmbeddings}, extension.ImageComputeEmbeddings},
	{notify.Topic{Entity: notify.EntityImage, Action: notify.ActionComputeTags}, extension.ImageComputeTags},
	{notify.Topic{Entity: notify.EntityImage, Action: notify.ActionRunCommand}, extension.ImageRunCommand},
	{notify.Topic{Entity: notify.EntityText, Action: notify.ActionComputeEmbeddings}, extension.TextComputeEmbeddings},
}

// subscribe wires the bus into the delivery path. Called once from Start.
func (h *Host) subscribe() {
	for _, d := range deliverableTopics {
		event := d.event
		h.subs = append(h.subs, h.bus.Subscribe(d.topic, func(ev notify.Event) {
			h.deliver(ev, event)
		}))
	}

	h.subs = append(h.subs, h.bus.Subscribe(
		notify.Topic{Entity: notify.EntityExtension, Action: notify.ActionSettingsUpdated},
		h.deliverSettings,
	))
}

// deliver fans a bus event out to extension sockets. An event naming an
// extension goes only there; a broadcast goes to every enabled extension
// subscribed to it.
func (h *Host) deliver(ev notify.Event, event extension.EventName) {
	if ev.ExtensionID != "" {
		h.deliverTo(ev.ExtensionID, event, ev)
		return
	}
	if ev.WantsResponse() {
		ev.Fail(errors.New("response events must name an extension"))
		return
	}

	installed, err := h.registry.List(false)
	if err != nil {
		h.logger.Errorf("enumerating delivery targets: %v", err)
		return
	}
	for _, ext := range installed {
		if ext.Manifest.SubscribesTo(event) {
			h.deliverTo(ext.ID(), event, ev)
		}
	}
}

// deliverTo schedules one delivery under the extension's limiter. Events
// with a response slot round-trip through the socket callback; the rest are
// fire and forget.
func (h *Host) deliverTo(id string, event extension.EventName, ev notify.Event) {
	h.metrics.dispatched(event)

	ticket := h.scheduler.Run(h.runCtx, id, event, func(ctx context.Context) error {
		if ev.WantsResponse() {
			reply, err := h.router.Call(ctx, id, event, ev.Payload)
			if err != nil {
				return err
			}
			ev.Respond(reply)
			return nil
		}
		return h.router.Emit(id, event, "", ev.Payload)
	})

	go func() {
		err := ticket.Wait(h.runCtx)
		switch {
		case err == nil:
		case errors.Is(err, throttle.ErrStopped):
			h.metrics.deliveryDropped()
			h.logger.WithField("extension", id).
				Debugf("delivery of %s dropped: limiter stopped", event)
			ev.Fail(err)
		default:
			h.logger.WithField("extension", id).
				Warnf("delivery of %s failed: %v", event, err)
			ev.Fail(err)
		}
	}()
}

// deliverSettings pushes an updated settings document to its extension's
// live socket. Disconnected extensions get it on next connect instead.
func (h *Host) deliverSettings(ev notify.Event) {
	doc, ok := ev.Payload.(json.RawMessage)
	if !ok || ev.ExtensionID == "" {
		return
	}
	if !h.router.Connected(ev.ExtensionID) {
		return
	}
	if err := h.router.Emit(ev.ExtensionID, router.SettingsEvent, "", doc); err != nil {
		h.logger.WithField("extension", ev.ExtensionID).
			Debugf("settings push failed: %v", err)
	}
}

// pushSettings delivers the persisted settings document on connect.
func (h *Host) pushSettings(id string) {
	doc, err := h.opts.Settings.Get(h.runCtx, id)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		h.logger.WithField("extension", id).Warnf("loading settings: %v", err)
		return
	}
	if err := h.router.Emit(id, router.SettingsEvent, "", json.RawMessage(doc)); err != nil {
		h.logger.WithField("extension", id).Debugf("settings push failed: %v", err)
	}
}

// signalLoop drives the state machine from supervisor signals.
func (h *Host) signalLoop() {
	defer h.loops.Done()
	for {
		select {
		case <-h.runCtx.Done():
			return
		case sig := <-h.supervisor.Signals():
			h.handleSignal(sig)
		}
	}
}

func (h *Host) handleSignal(sig supervise.Signal) {
	logger := h.logger.WithField("extension", sig.ExtensionID)

	switch sig.Type {
	case supervise.SignalStarted:
		ext, err := h.registry.Get(sig.ExtensionID)
		if err != nil || ext == nil {
			logger.Warn("started signal for unknown extension")
			return
		}
		h.scheduler.Register(sig.ExtensionID, ext.Manifest)
		h.bus.Emit(notify.Event{
			Entity:      notify.EntityProcess,
			Action:      notify.ActionStarted,
			ExtensionID: sig.ExtensionID,
		})

	case supervise.SignalStopped:
		h.scheduler.Unregister(sig.ExtensionID)
		h.mu.Lock()
		if st, ok := h.states[sig.ExtensionID]; ok {
			st.connected = false
			switch st.status {
			case StatusPaused, StatusUninstalling, StatusError:
				// Terminal or operator-chosen states survive the exit.
			default:
				st.status = StatusInstalled
			}
		}
		h.mu.Unlock()
		h.bus.Emit(notify.Event{
			Entity:      notify.EntityProcess,
			Action:      notify.ActionStopped,
			ExtensionID: sig.ExtensionID,
		})

	case supervise.SignalError:
		logger.Errorf("extension process error: %v", sig.Value)
		h.bus.Emit(notify.Event{
			Entity:      notify.EntityProcess,
			Action:      notify.ActionError,
			ExtensionID: sig.ExtensionID,
			Payload:     errorString(sig.Value),
		})

	case supervise.SignalFatal:
		h.mu.Lock()
		st := h.ensureState(sig.ExtensionID)
		st.errorLatched = true
		st.status = StatusError
		h.flushPending(st)
		h.mu.Unlock()
		logger.Errorf("extension reported a fatal error: %v", sig.Value)
		h.bus.Emit(notify.Event{
			Entity:      notify.EntityProcess,
			Action:      notify.ActionError,
			ExtensionID: sig.ExtensionID,
			Payload:     errorString(sig.Value),
		})
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ExtensionConnected implements router.ConnectionListener. The pending
// runnables queued for this extension drain on a fresh goroutine, after
// the persisted settings document is pushed.
func (h *Host) ExtensionConnected(id string, info router.ConnectionInfo) {
	h.mu.Lock()
	st := h.ensureState(id)
	st.connected = true
	if st.status != StatusUninstalling && !st.errorLatched {
		st.status = StatusConnected
	}
	pending := st.pending
	st.pending = nil
	h.mu.Unlock()

	h.metrics.connectionOpened()
	h.logger.WithField("extension", id).
		Infof("connected (sdk %s, %s)", info.SDKVersion, info.Environment)
	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionConnected,
		ExtensionID: id,
		Payload:     info,
	})

	go func() {
		h.pushSettings(id)
		for _, task := range pending {
			task(h.runCtx)
		}
	}()
}

// ExtensionDisconnected implements router.ConnectionListener. A live child
// losing its socket is an error; a disconnect on the way down is followed
// by the stopped signal, which settles the state.
func (h *Host) ExtensionDisconnected(id string) {
	h.mu.Lock()
	if st, ok := h.states[id]; ok {
		st.connected = false
		if st.status == StatusConnected {
			if h.supervisor.Running(id) {
				st.status = StatusError
			} else {
				st.status = StatusInstalled
			}
		}
	}
	h.mu.Unlock()

	h.metrics.connectionClosed()
	h.logger.WithField("extension", id).Info("disconnected")
	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionDisconnected,
		ExtensionID: id,
	})
}
