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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/registry"
)

type fakeProviders struct {
	installed []*registry.Installed
	err       error
}

func (f *fakeProviders) WithCapability(extension.Capability, bool) ([]*registry.Installed, error) {
	return f.installed, f.err
}

type fakeConns struct {
	mu        sync.Mutex
	connected map[string]bool
	wake      chan struct{}
}

func newFakeConns(connected ...string) *fakeConns {
	f := &fakeConns{connected: map[string]bool{}, wake: make(chan struct{})}
	for _, id := range connected {
		f.connected[id] = true
	}
	return f
}

func (f *fakeConns) Connected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *fakeConns) AwaitConnection(ctx context.Context, id string) error {
	for {
		f.mu.Lock()
		ok := f.connected[id]
		wake := f.wake
		f.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *fakeConns) connect(id string) {
	f.mu.Lock()
	f.connected[id] = true
	close(f.wake)
	f.wake = make(chan struct{})
	f.mu.Unlock()
}

func provider(id string) *registry.Installed {
	return &registry.Installed{Manifest: &extension.Manifest{ID: id}}
}

func TestRunCapabilityNoProvider(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	d := New(Options{
		Providers:   &fakeProviders{},
		Connections: newFakeConns(),
		Bus:         bus,
	})

	_, err := d.RunCapability(context.Background(), extension.CapabilityTextEmbeddings, nil)
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestRunCapabilityPicksFirstBySortOrder(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	var served []string
	bus.Subscribe(notify.Topic{Entity: notify.EntityText, Action: notify.ActionComputeEmbeddings},
		func(e notify.Event) {
			served = append(served, e.ExtensionID)
			e.Respond([]float32{0.1, 0.2})
		})

	d := New(Options{
		Providers:   &fakeProviders{installed: []*registry.Installed{provider("b.ext"), provider("a.ext")}},
		Connections: newFakeConns("a.ext", "b.ext"),
		Bus:         bus,
	})

	res, err := d.RunCapability(context.Background(), extension.CapabilityTextEmbeddings,
		map[string]string{"text": "hello"})
	require.NoError(t, err)
	require.Equal(t, "a.ext", res.ExtensionID)
	require.Equal(t, []float32{0.1, 0.2}, res.Value)
	require.Equal(t, []string{"a.ext"}, served)
}

func TestRunCapabilityConnectionTimeout(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	fake := clocktesting.NewFakeClock(time.Now())
	d := New(Options{
		Providers:   &fakeProviders{installed: []*registry.Installed{provider("slow.ext")}},
		Connections: newFakeConns(),
		Bus:         bus,
		Clock:       fake,
	})

	done := make(chan error, 1)
	go func() {
		_, err := d.RunCapability(context.Background(), extension.CapabilityTextEmbeddings, nil)
		done <- err
	}()

	require.Eventually(t, fake.HasWaiters, 3*time.Second, 10*time.Millisecond)
	fake.Step(defaultConnectTimeout)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not time out")
	}
}

func TestRunCapabilityWaitsForLateConnection(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	bus.Subscribe(notify.Topic{Entity: notify.EntityText, Action: notify.ActionComputeEmbeddings},
		func(e notify.Event) { e.Respond("ok") })

	conns := newFakeConns()
	d := New(Options{
		Providers:   &fakeProviders{installed: []*registry.Installed{provider("late.ext")}},
		Connections: conns,
		Bus:         bus,
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		conns.connect("late.ext")
	}()

	res, err := d.RunCapability(context.Background(), extension.CapabilityTextEmbeddings, nil)
	require.NoError(t, err)
	require.Equal(t, "late.ext", res.ExtensionID)
	require.Equal(t, "ok", res.Value)
}

func TestRunCapabilityRejectsImageCapabilities(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	d := New(Options{
		Providers:   &fakeProviders{installed: []*registry.Installed{provider("img.ext")}},
		Connections: newFakeConns("img.ext"),
		Bus:         bus,
	})

	for _, capability := range []extension.Capability{
		extension.CapabilityImageFeatures,
		extension.CapabilityImageEmbeddings,
		extension.CapabilityImageTags,
	} {
		_, err := d.RunCapability(context.Background(), capability, nil)
		require.Error(t, err, capability)
		require.Contains(t, err.Error(), "image events")
	}
}

func TestRunCapabilitySurfacesProviderFailure(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	bus.Subscribe(notify.Topic{Entity: notify.EntityText, Action: notify.ActionComputeEmbeddings},
		func(e notify.Event) { e.Fail(errors.New("model crashed")) })

	d := New(Options{
		Providers:   &fakeProviders{installed: []*registry.Installed{provider("bad.ext")}},
		Connections: newFakeConns("bad.ext"),
		Bus:         bus,
	})

	_, err := d.RunCapability(context.Background(), extension.CapabilityTextEmbeddings, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model crashed")
}

func TestRunCapabilityHonoursCallerContext(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	// No subscriber answers, the response slot stays pending.
	d := New(Options{
		Providers:   &fakeProviders{installed: []*registry.Installed{provider("mute.ext")}},
		Connections: newFakeConns("mute.ext"),
		Bus:         bus,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.RunCapability(ctx, extension.CapabilityTextEmbeddings, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
