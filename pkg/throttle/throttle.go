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

// Package throttle schedules event deliveries to extensions under the rate
// policies their manifests declare. All events of one extension share a
// single limiter; stopping an extension drains its queue cooperatively.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/photark/extension-host/api/extension"
)

// ErrStopped is returned for tasks still queued when their extension's
// limiter is drained. Callers treat it as a non-fatal consequence of
// stopping the extension.
var ErrStopped = errors.New("limiter stopped")

// Tasks that fall under no policy run with this spacing off the table. Kept
// as a guard; validation requires every policy to set at least one bound.
const defaultMinInterval = 100 * time.Millisecond

// Task is one unit of throttled work, usually a single event delivery.
type Task func(ctx context.Context) error

// Ticket is the caller's handle on an enqueued task.
type Ticket struct {
	done chan struct{}
	err  error
}

func resolvedTicket(err error) *Ticket {
	t := &Ticket{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *Ticket) resolve(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the task ran, was dropped, or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler maps extensions to their limiters. Policies are recorded when an
// extension starts; the limiter itself is built lazily on the first task so
// extensions that never receive a throttled event cost nothing.
type Scheduler struct {
	mu       sync.Mutex
	policies map[string]map[extension.EventName]extension.ThrottlingPolicy
	limiters map[string]*limiter

	logger *logrus.Entry
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		policies: map[string]map[extension.EventName]extension.ThrottlingPolicy{},
		limiters: map[string]*limiter{},
		logger:   logrus.WithField("component", "throttle"),
	}
}

// Register records the manifest's throttling policies for the extension.
// Later policies override earlier ones for the same event, matching the
// manifest's declaration order.
func (s *Scheduler) Register(extensionID string, manifest *extension.Manifest) {
	perEvent := map[extension.EventName]extension.ThrottlingPolicy{}
	for _, instruction := range manifest.Instructions {
		for _, policy := range instruction.ThrottlingPolicies {
			for _, event := range policy.Events {
				perEvent[event] = policy
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[extensionID] = perEvent
}

// Unregister removes the extension from the table and drains its limiter:
// queued tasks fail with ErrStopped, executing tasks run to completion.
// It blocks until the executing tasks finished.
func (s *Scheduler) Unregister(extensionID string) {
	s.mu.Lock()
	delete(s.policies, extensionID)
	lim := s.limiters[extensionID]
	delete(s.limiters, extensionID)
	s.mu.Unlock()

	if lim != nil {
		dropped := lim.stop()
		if dropped > 0 {
			s.logger.WithField("extension", extensionID).
				Debugf("dropped %d queued task(s) on limiter drain", dropped)
		}
	}
}

// Destroy drains every limiter. Used on host shutdown.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.limiters))
	for id := range s.limiters {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Unregister(id)
	}
}

// Run schedules the task. Tasks with no extension or no applicable policy
// run immediately on the calling goroutine; throttled tasks are enqueued
// FIFO and the returned ticket resolves when they finish or are dropped.
func (s *Scheduler) Run(ctx context.Context, extensionID string, event extension.EventName, task Task) *Ticket {
	if extensionID == "" {
		return resolvedTicket(task(ctx))
	}

	lim, ok := s.limiterFor(extensionID, event)
	if !ok {
		return resolvedTicket(task(ctx))
	}

	return lim.enqueue(ctx, task)
}

// limiterFor returns the extension's limiter, building it from the policy
// of the first throttled event if it does not exist yet.
func (s *Scheduler) limiterFor(extensionID string, event extension.EventName) (*limiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perEvent, ok := s.policies[extensionID]
	if !ok {
		return nil, false
	}
	policy, ok := perEvent[event]
	if !ok {
		return nil, false
	}

	lim, ok := s.limiters[extensionID]
	if !ok {
		lim = newLimiter(policy)
		s.limiters[extensionID] = lim
	}
	return lim, true
}

// minInterval derives the spacing between task releases from a policy:
// an explicit duration wins, otherwise the count is spread over a second.
func minInterval(policy extension.ThrottlingPolicy) time.Duration {
	if policy.DurationInMilliseconds > 0 {
		return time.Duration(policy.DurationInMilliseconds) * time.Millisecond
	}
	if policy.MaximumCount > 0 {
		return time.Second / time.Duration(policy.MaximumCount)
	}
	return defaultMinInterval
}

type job struct {
	ctx    context.Context
	task   Task
	ticket *Ticket
}

// limiter releases queued jobs with a minimum spacing and, when the policy
// bounds concurrency, at most maxConcurrent in flight.
type limiter struct {
	spacing *rate.Limiter
	sem     chan struct{}

	mu      sync.Mutex
	queue   []*job
	wake    chan struct{}
	stopped bool

	stopCtx    context.Context
	stopCancel context.CancelFunc

	executing sync.WaitGroup
	loopDone  chan struct{}
}

func newLimiter(policy extension.ThrottlingPolicy) *limiter {
	stopCtx, stopCancel := context.WithCancel(context.Background())

	lim := &limiter{
		spacing:    rate.NewLimiter(rate.Every(minInterval(policy)), 1),
		wake:       make(chan struct{}, 1),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		loopDone:   make(chan struct{}),
	}
	if policy.MaximumCount > 0 {
		lim.sem = make(chan struct{}, policy.MaximumCount)
	}

	go lim.loop()
	return lim
}

func (l *limiter) enqueue(ctx context.Context, task Task) *Ticket {
	ticket := &Ticket{done: make(chan struct{})}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		ticket.resolve(ErrStopped)
		return ticket
	}
	l.queue = append(l.queue, &job{ctx: ctx, task: task, ticket: ticket})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return ticket
}

func (l *limiter) next() (*job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, l.stopped
	}
	j := l.queue[0]
	l.queue = l.queue[1:]
	return j, false
}

func (l *limiter) loop() {
	defer close(l.loopDone)

	for {
		j, stopped := l.next()
		if stopped {
			return
		}
		if j == nil {
			select {
			case <-l.wake:
				continue
			case <-l.stopCtx.Done():
				return
			}
		}

		// A job whose own context died while queued is not worth a slot.
		if err := j.ctx.Err(); err != nil {
			j.ticket.resolve(err)
			continue
		}

		if err := l.spacing.Wait(l.stopCtx); err != nil {
			j.ticket.resolve(ErrStopped)
			continue
		}
		if l.sem != nil {
			select {
			case l.sem <- struct{}{}:
			case <-l.stopCtx.Done():
				j.ticket.resolve(ErrStopped)
				continue
			}
		}

		// Jobs are only promoted to executing while the limiter is live;
		// stop() takes the same lock, so a drained job can never slip into
		// execution after its ErrStopped siblings.
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			if l.sem != nil {
				<-l.sem
			}
			j.ticket.resolve(ErrStopped)
			continue
		}
		l.executing.Add(1)
		l.mu.Unlock()

		go func(j *job) {
			defer l.executing.Done()
			if l.sem != nil {
				defer func() { <-l.sem }()
			}
			j.ticket.resolve(j.task(j.ctx))
		}(j)
	}
}

// stop drains the limiter and reports how many queued jobs were dropped.
func (l *limiter) stop() int {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0
	}
	l.stopped = true
	dropped := l.queue
	l.queue = nil
	l.mu.Unlock()

	l.stopCancel()
	for _, j := range dropped {
		j.ticket.resolve(ErrStopped)
	}

	<-l.loopDone
	l.executing.Wait()
	return len(dropped)
}
