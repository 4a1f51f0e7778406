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

// Package dispatch answers capability queries. It picks a providing
// extension, waits out its connection window, and runs the query over the
// event bus with a response slot.
package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/registry"
)

var (
	// ErrNoProvider means no installed extension declares the capability.
	ErrNoProvider = errors.New("no provider for capability")

	// ErrNotConnected means the chosen provider did not connect within the
	// wait window.
	ErrNotConnected = errors.New("extension not connected")
)

const defaultConnectTimeout = 10 * time.Second

// Providers yields the installed extensions declaring a capability.
// Satisfied by *registry.Registry.
type Providers interface {
	WithCapability(capability extension.Capability, includePaused bool) ([]*registry.Installed, error)
}

// Connections is the live-socket view the dispatcher consults before
// emitting. Satisfied by *router.Router.
type Connections interface {
	Connected(id string) bool
	AwaitConnection(ctx context.Context, id string) error
}

// Options configures a Dispatcher. Providers, Connections and Bus are
// required.
type Options struct {
	Providers   Providers
	Connections Connections
	Bus         *notify.Bus
	// ConnectTimeout bounds the wait for a provider's socket. Zero means
	// the 10 s default.
	ConnectTimeout time.Duration
	// Clock is swapped for a fake in tests.
	Clock clock.Clock
}

// Result is a resolved capability query.
type Result struct {
	ExtensionID string
	Value       any
}

// Dispatcher resolves capability queries against one provider at a time.
type Dispatcher struct {
	providers      Providers
	conns          Connections
	bus            *notify.Bus
	connectTimeout time.Duration
	clock          clock.Clock
	logger         *logrus.Entry
}

// New returns a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Dispatcher{
		providers:      opts.Providers,
		conns:          opts.Connections,
		bus:            opts.Bus,
		connectTimeout: opts.ConnectTimeout,
		clock:          opts.Clock,
		logger:         logrus.WithField("component", "dispatch"),
	}
}

// RunCapability resolves one capability query. Providers are considered
// regardless of pause state; a paused provider simply never connects and
// the call ends with ErrNotConnected.
func (d *Dispatcher) RunCapability(ctx context.Context, capability extension.Capability, payload any) (*Result, error) {
	entity, action, err := capabilityTuple(capability)
	if err != nil {
		return nil, err
	}

	id, err := d.selectProvider(capability)
	if err != nil {
		return nil, err
	}

	if err := d.awaitConnection(ctx, id); err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"capability": capability,
		"extension":  id,
	}).Debug("running capability query")

	pending := d.bus.EmitWithResponse(notify.Event{
		Entity:      entity,
		Action:      action,
		ExtensionID: id,
		Payload:     payload,
	})
	value, err := pending.Await(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "capability %s via %s", capability, id)
	}
	return &Result{ExtensionID: id, Value: value}, nil
}

// selectProvider picks the first candidate by identifier sort order.
func (d *Dispatcher) selectProvider(capability extension.Capability) (string, error) {
	candidates, err := d.providers.WithCapability(capability, true)
	if err != nil {
		return "", errors.Wrapf(err, "listing providers for %s", capability)
	}
	if len(candidates) == 0 {
		return "", errors.Wrapf(ErrNoProvider, "capability %s", capability)
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID()
	}
	sort.Strings(ids)
	return ids[0], nil
}

func (d *Dispatcher) awaitConnection(ctx context.Context, id string) error {
	if d.conns.Connected(id) {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.conns.AwaitConnection(waitCtx, id) }()

	timer := d.clock.NewTimer(d.connectTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(ErrNotConnected, "extension %s: %v", id, err)
		}
		return nil
	case <-timer.C():
		cancel()
		return errors.Wrapf(ErrNotConnected, "extension %s did not connect within %s", id, d.connectTimeout)
	}
}

// capabilityTuple maps a queryable capability onto its bus event. Image
// capabilities are driven by the image event stream, not by queries.
func capabilityTuple(capability extension.Capability) (notify.Entity, notify.Action, error) {
	switch capability {
	case extension.CapabilityTextEmbeddings:
		return notify.EntityText, notify.ActionComputeEmbeddings, nil
	case extension.CapabilityImageFeatures, extension.CapabilityImageEmbeddings, extension.CapabilityImageTags:
		return "", "", errors.Errorf("capability %s is dispatched through image events", capability)
	default:
		return "", "", errors.Errorf("unknown capability %s", capability)
	}
}
