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

// Package notify is the in-process event bus tying the host's components
// together. Topics are (entity, action, optional state) tuples; emitters may
// attach a single-shot response slot that a subscriber resolves later.
//
// Delivery is synchronous on the emitter's goroutine and preserves per-topic
// emit order. Handlers that need to do real work hand it off themselves.
package notify

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Entity is the domain object an event is about.
type Entity string

const (
	EntityProcess    Entity = "Process"
	EntityImage      Entity = "Image"
	EntityText       Entity = "Text"
	EntityRepository Entity = "Repository"
	EntityExtension  Entity = "Extension"
)

// Action is the verb of an event. The bus does not restrict the set; each
// component documents the actions it emits.
type Action string

const (
	ActionCreated           Action = "Created"
	ActionUpdated           Action = "Updated"
	ActionDeleted           Action = "Deleted"
	ActionComputeFeatures   Action = "ComputeFeatures"
	ActionComputeEmbeddings Action = "ComputeEmbeddings"
	ActionComputeTags       Action = "ComputeTags"
	ActionRunCommand        Action = "RunCommand"
	ActionStarted           Action = "Started"
	ActionStopped           Action = "Stopped"
	ActionConnected         Action = "Connected"
	ActionDisconnected      Action = "Disconnected"
	ActionError             Action = "Error"
	ActionLog               Action = "Log"
	ActionNotification      Action = "Notification"
	ActionInstalled         Action = "Installed"
	ActionUninstalled       Action = "Uninstalled"
	ActionPaused            Action = "Paused"
	ActionResumed           Action = "Resumed"
	ActionSettingsUpdated   Action = "SettingsUpdated"
	ActionScanned           Action = "Scanned"
)

// ErrCancelled resolves every response slot still pending when the bus is
// destroyed.
var ErrCancelled = errors.New("cancelled")

// Topic selects events for a subscriber. An empty State matches events in
// any state.
type Topic struct {
	Entity Entity
	Action Action
	State  string
}

// Event is what flows over the bus. ExtensionID is set when the event
// targets or originates from one extension; empty means broadcast.
type Event struct {
	Entity      Entity
	Action      Action
	State       string
	ExtensionID string
	Payload     any

	pending *PendingResponse
}

// WantsResponse reports whether the emitter attached a response slot.
func (e Event) WantsResponse() bool {
	return e.pending != nil
}

// Respond resolves the event's response slot with a value. Only the first
// Respond or Fail for an event wins; later calls are dropped.
func (e Event) Respond(value any) {
	if e.pending != nil {
		e.pending.resolve(value, nil)
	}
}

// Fail resolves the event's response slot with an error.
func (e Event) Fail(err error) {
	if e.pending != nil {
		e.pending.resolve(nil, err)
	}
}

// Handler receives matching events.
type Handler func(Event)

// PendingResponse is the emitter's side of a single-shot response slot.
type PendingResponse struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error

	bus *Bus
}

func (p *PendingResponse) resolve(value any, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
		if p.bus != nil {
			p.bus.forgetPending(p)
		}
	})
}

// Await blocks until the slot is resolved or the context ends.
func (p *PendingResponse) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type subscriber struct {
	id    uint64
	all   bool
	topic Topic
	fn    Handler
}

func (s *subscriber) matches(event Event) bool {
	if s.all {
		return true
	}
	if s.topic.Entity != event.Entity || s.topic.Action != event.Action {
		return false
	}
	return s.topic.State == "" || s.topic.State == event.State
}

// Bus is the process-wide notifier. The zero value is not usable; construct
// with NewBus and tear down with Destroy.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	subs      []*subscriber
	pending   map[*PendingResponse]struct{}
	destroyed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{pending: map[*PendingResponse]struct{}{}}
}

// Subscription undoes a Subscribe when cancelled.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Cancel removes the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub.id == s.id {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
}

// Subscribe registers fn for every event matching the topic. Subscribers
// are invoked in subscription order.
func (b *Bus) Subscribe(topic Topic, fn Handler) *Subscription {
	return b.add(&subscriber{topic: topic, fn: fn})
}

// SubscribeAll registers a catch-all handler.
func (b *Bus) SubscribeAll(fn Handler) *Subscription {
	return b.add(&subscriber{all: true, fn: fn})
}

func (b *Bus) add(sub *subscriber) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return &Subscription{}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	return &Subscription{bus: b, id: sub.id}
}

// Emit delivers the event to every matching subscriber, synchronously and
// in subscription order.
func (b *Bus) Emit(event Event) {
	for _, sub := range b.snapshot() {
		if sub.matches(event) {
			sub.fn(event)
		}
	}
}

// EmitWithResponse delivers the event with a response slot attached and
// returns the emitter's handle on it. If the bus is already destroyed the
// slot comes back resolved with ErrCancelled.
func (b *Bus) EmitWithResponse(event Event) *PendingResponse {
	pending := &PendingResponse{done: make(chan struct{}), bus: b}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		pending.resolve(nil, ErrCancelled)
		return pending
	}
	b.pending[pending] = struct{}{}
	b.mu.Unlock()

	event.pending = pending
	b.Emit(event)
	return pending
}

func (b *Bus) snapshot() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil
	}
	snap := make([]*subscriber, len(b.subs))
	copy(snap, b.subs)
	return snap
}

func (b *Bus) forgetPending(p *PendingResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, p)
}

// Destroy unregisters every subscriber and resolves every outstanding
// response slot with ErrCancelled. The bus accepts no new subscribers
// afterwards.
func (b *Bus) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.subs = nil
	orphaned := make([]*PendingResponse, 0, len(b.pending))
	for p := range b.pending {
		orphaned = append(orphaned, p)
	}
	b.pending = map[*PendingResponse]struct{}{}
	b.mu.Unlock()

	for _, p := range orphaned {
		p.resolve(nil, ErrCancelled)
	}
}
