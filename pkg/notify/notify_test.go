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

package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photark/extension-host/pkg/notify"
)

func TestSubscribeMatching(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	var imageCreated, anyState, everything []notify.Event

	bus.Subscribe(
		notify.Topic{Entity: notify.EntityImage, Action: notify.ActionCreated, State: "done"},
		func(e notify.Event) { imageCreated = append(imageCreated, e) },
	)
	bus.Subscribe(
		notify.Topic{Entity: notify.EntityImage, Action: notify.ActionCreated},
		func(e notify.Event) { anyState = append(anyState, e) },
	)
	bus.SubscribeAll(func(e notify.Event) { everything = append(everything, e) })

	bus.Emit(notify.Event{Entity: notify.EntityImage, Action: notify.ActionCreated, State: "done"})
	bus.Emit(notify.Event{Entity: notify.EntityImage, Action: notify.ActionCreated, State: "pending"})
	bus.Emit(notify.Event{Entity: notify.EntityText, Action: notify.ActionComputeEmbeddings})

	require.Len(t, imageCreated, 1)
	require.Len(t, anyState, 2)
	require.Len(t, everything, 3)
}

func TestSubscriptionCancel(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	calls := 0
	sub := bus.Subscribe(
		notify.Topic{Entity: notify.EntityProcess, Action: notify.ActionStarted},
		func(notify.Event) { calls++ },
	)

	event := notify.Event{Entity: notify.EntityProcess, Action: notify.ActionStarted}
	bus.Emit(event)
	sub.Cancel()
	sub.Cancel()
	bus.Emit(event)

	require.Equal(t, 1, calls)
}

func TestEmitWithResponse(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	bus.Subscribe(
		notify.Topic{Entity: notify.EntityText, Action: notify.ActionComputeEmbeddings},
		func(e notify.Event) {
			require.True(t, e.WantsResponse())
			e.Respond([]float64{0.1, 0.2})
			e.Respond([]float64{9, 9}) // second resolve is dropped
		},
	)

	pending := bus.EmitWithResponse(notify.Event{
		Entity: notify.EntityText,
		Action: notify.ActionComputeEmbeddings,
	})

	value, err := pending.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 0.2}, value)
}

func TestEmitWithResponseFailure(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	bus.Subscribe(
		notify.Topic{Entity: notify.EntityText, Action: notify.ActionComputeEmbeddings},
		func(e notify.Event) { e.Fail(notify.ErrCancelled) },
	)

	pending := bus.EmitWithResponse(notify.Event{
		Entity: notify.EntityText,
		Action: notify.ActionComputeEmbeddings,
	})

	_, err := pending.Await(context.Background())
	require.ErrorIs(t, err, notify.ErrCancelled)
}

func TestAwaitHonoursContext(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	pending := bus.EmitWithResponse(notify.Event{
		Entity: notify.EntityText,
		Action: notify.ActionComputeEmbeddings,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pending.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDestroyCancelsPendingResponses(t *testing.T) {
	bus := notify.NewBus()

	pending := bus.EmitWithResponse(notify.Event{
		Entity: notify.EntityText,
		Action: notify.ActionComputeEmbeddings,
	})

	bus.Destroy()

	_, err := pending.Await(context.Background())
	require.ErrorIs(t, err, notify.ErrCancelled)
}

func TestDestroyedBusDropsEverything(t *testing.T) {
	bus := notify.NewBus()
	bus.Destroy()
	bus.Destroy() // idempotent

	calls := 0
	bus.SubscribeAll(func(notify.Event) { calls++ })
	bus.Emit(notify.Event{Entity: notify.EntityImage, Action: notify.ActionCreated})
	require.Zero(t, calls)

	pending := bus.EmitWithResponse(notify.Event{
		Entity: notify.EntityImage,
		Action: notify.ActionCreated,
	})
	_, err := pending.Await(context.Background())
	require.ErrorIs(t, err, notify.ErrCancelled)
}

func TestEmitOrderPerTopic(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	var seen []string
	bus.Subscribe(
		notify.Topic{Entity: notify.EntityImage, Action: notify.ActionCreated},
		func(e notify.Event) { seen = append(seen, e.ExtensionID) },
	)

	for _, id := range []string{"a", "b", "c", "d"} {
		bus.Emit(notify.Event{
			Entity:      notify.EntityImage,
			Action:      notify.ActionCreated,
			ExtensionID: id,
		})
	}

	require.Equal(t, []string{"a", "b", "c", "d"}, seen)
}
