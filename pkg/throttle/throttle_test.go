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

package throttle_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/throttle"
)

func manifestWithPolicy(policy extension.ThrottlingPolicy) *extension.Manifest {
	return &extension.Manifest{
		ID: "ext",
		Instructions: []extension.Instruction{
			{Events: policy.Events, ThrottlingPolicies: []extension.ThrottlingPolicy{policy}},
		},
	}
}

func TestRunDirectWithoutExtension(t *testing.T) {
	s := throttle.NewScheduler()
	defer s.Destroy()

	ran := false
	ticket := s.Run(context.Background(), "", extension.ImageComputeTags, func(context.Context) error {
		ran = true
		return nil
	})

	// Direct tasks are executed synchronously, before Run returns.
	require.True(t, ran)
	require.NoError(t, ticket.Wait(context.Background()))
}

func TestRunDirectWithoutPolicy(t *testing.T) {
	s := throttle.NewScheduler()
	defer s.Destroy()

	s.Register("ext", manifestWithPolicy(extension.ThrottlingPolicy{
		Events:       []extension.EventName{extension.ImageComputeTags},
		MaximumCount: 1,
	}))

	ran := false
	ticket := s.Run(context.Background(), "ext", extension.ImageCreated, func(context.Context) error {
		ran = true
		return nil
	})

	require.True(t, ran)
	require.NoError(t, ticket.Wait(context.Background()))
}

func TestThrottledTasksKeepOrderAndSpacing(t *testing.T) {
	s := throttle.NewScheduler()
	defer s.Destroy()

	const interval = 50 * time.Millisecond
	s.Register("ext", manifestWithPolicy(extension.ThrottlingPolicy{
		Events:                 []extension.EventName{extension.ImageComputeFeatures},
		DurationInMilliseconds: interval.Milliseconds(),
	}))

	var mu sync.Mutex
	order := []int{}
	start := time.Now()

	tickets := []*throttle.Ticket{}
	for i := 0; i < 3; i++ {
		i := i
		tickets = append(tickets, s.Run(
			context.Background(), "ext", extension.ImageComputeFeatures,
			func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		))
	}
	for _, ticket := range tickets {
		require.NoError(t, ticket.Wait(context.Background()))
	}

	require.Equal(t, []int{0, 1, 2}, order)
	// First task releases immediately, the rest one interval apart.
	require.GreaterOrEqual(t, time.Since(start), 2*interval-10*time.Millisecond)
}

func TestThrottledTasksRespectMaxConcurrent(t *testing.T) {
	s := throttle.NewScheduler()
	defer s.Destroy()

	s.Register("ext", manifestWithPolicy(extension.ThrottlingPolicy{
		Events:                 []extension.EventName{extension.ImageComputeEmbeddings},
		MaximumCount:           2,
		DurationInMilliseconds: 1,
	}))

	var inFlight, peak int32
	gate := make(chan struct{})

	tickets := []*throttle.Ticket{}
	for i := 0; i < 4; i++ {
		tickets = append(tickets, s.Run(
			context.Background(), "ext", extension.ImageComputeEmbeddings,
			func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				<-gate
				atomic.AddInt32(&inFlight, -1)
				return nil
			},
		))
	}

	// Give the limiter time to admit as much as it ever will.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	for _, ticket := range tickets {
		require.NoError(t, ticket.Wait(context.Background()))
	}

	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestUnregisterDrainsQueue(t *testing.T) {
	s := throttle.NewScheduler()
	defer s.Destroy()

	s.Register("ext", manifestWithPolicy(extension.ThrottlingPolicy{
		Events:                 []extension.EventName{extension.ImageComputeFeatures},
		MaximumCount:           1,
		DurationInMilliseconds: 100,
	}))

	started := make(chan struct{})
	gate := make(chan struct{})
	var completed int32

	tickets := []*throttle.Ticket{}
	for i := 0; i < 5; i++ {
		first := i == 0
		tickets = append(tickets, s.Run(
			context.Background(), "ext", extension.ImageComputeFeatures,
			func(context.Context) error {
				if first {
					close(started)
					<-gate
				}
				atomic.AddInt32(&completed, 1)
				return nil
			},
		))
	}

	<-started

	unregistered := make(chan struct{})
	go func() {
		s.Unregister("ext")
		close(unregistered)
	}()

	// Queued tasks are dropped as soon as the drain begins; only then is the
	// executing task allowed to finish, which lets Unregister return.
	require.ErrorIs(t, tickets[4].Wait(context.Background()), throttle.ErrStopped)
	close(gate)
	<-unregistered

	require.NoError(t, tickets[0].Wait(context.Background()))

	stopped := 0
	for _, ticket := range tickets[1:] {
		if err := ticket.Wait(context.Background()); err != nil {
			require.ErrorIs(t, err, throttle.ErrStopped)
			stopped++
		}
	}
	require.Equal(t, 4, stopped)
	require.Equal(t, int32(1), atomic.LoadInt32(&completed))
}

func TestQueuedTaskSeesItsContextCancel(t *testing.T) {
	s := throttle.NewScheduler()
	defer s.Destroy()

	s.Register("ext", manifestWithPolicy(extension.ThrottlingPolicy{
		Events:                 []extension.EventName{extension.ImageComputeTags},
		MaximumCount:           1,
		DurationInMilliseconds: 50,
	}))

	// Occupy the first release slot.
	s.Run(context.Background(), "ext", extension.ImageComputeTags, func(context.Context) error {
		return nil
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	ticket := s.Run(cancelled, "ext", extension.ImageComputeTags, func(context.Context) error {
		t.Error("task with dead context must not run")
		return nil
	})

	err := ticket.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunAfterUnregisterIsDirect(t *testing.T) {
	s := throttle.NewScheduler()
	defer s.Destroy()

	s.Register("ext", manifestWithPolicy(extension.ThrottlingPolicy{
		Events:       []extension.EventName{extension.ImageComputeTags},
		MaximumCount: 1,
	}))
	s.Unregister("ext")

	ran := false
	ticket := s.Run(context.Background(), "ext", extension.ImageComputeTags, func(context.Context) error {
		ran = true
		return nil
	})
	require.True(t, ran)
	require.NoError(t, ticket.Wait(context.Background()))
}
