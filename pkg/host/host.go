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

// Package host assembles the extension host service: the install and
// lifecycle pipelines, the bridge between the domain event bus and live
// extension sockets, command authorisation and settings delivery. It owns
// the registry tree, the per-extension runtime state machine, and the
// teardown order of every component underneath it.
package host

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/dispatch"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/registry"
	"github.com/photark/extension-host/pkg/router"
	"github.com/photark/extension-host/pkg/runtime"
	"github.com/photark/extension-host/pkg/store"
	"github.com/photark/extension-host/pkg/supervise"
	"github.com/photark/extension-host/pkg/syncer"
	"github.com/photark/extension-host/pkg/throttle"
	"github.com/photark/extension-host/pkg/watch"
)

const defaultConnectTimeout = 10 * time.Second

// Status is the runtime state of an installed extension. On-disk state only
// distinguishes enabled from paused; everything else lives here and resets
// when the daemon restarts.
type Status string

const (
	StatusInstalled    Status = "Installed"
	StatusPaused       Status = "Paused"
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusError        Status = "Error"
	StatusUninstalling Status = "Uninstalling"
)

// Supervisor is the slice of the process supervisor the host drives.
// Satisfied by *supervise.Supervisor; tests substitute a fake so no real
// interpreters are needed.
type Supervisor interface {
	Signals() <-chan supervise.Signal
	Running(id string) bool
	Start(ctx context.Context, req supervise.StartRequest) error
	StopProcesses(ctx context.Context, ids []string) error
	Destroy(ctx context.Context) error
}

// Options configures a Host. ExtensionsDir, the five stores and Bus are
// required; everything else has a default.
type Options struct {
	// ExtensionsDir is the root of the installed-extensions tree.
	ExtensionsDir string
	// UnpackedDir, when set, is scanned and watched for live-developed
	// extensions.
	UnpackedDir string
	// WebServicesBaseURL is handed to every child via its parameters file.
	WebServicesBaseURL string

	// ConnectTimeout bounds both the capability dispatcher's wait and the
	// Connecting state after a process start. Zero means 10 s.
	ConnectTimeout time.Duration
	// StopGracePeriod bounds cooperative child termination. Zero means the
	// supervisor's 5 s default.
	StopGracePeriod time.Duration

	Catalog     store.ImageCatalog
	Features    store.StateStore
	Tags        store.StateStore
	Vectors     store.VectorStore
	Settings    store.SettingsStore
	Attachments store.AttachmentStore

	Bus *notify.Bus

	// Supervisor overrides the real child-process supervisor.
	Supervisor Supervisor
	// Intents resolves user-facing intents; nil answers every intent with
	// the cancel branch.
	Intents router.IntentHandler
	// Metrics defaults to an unregistered set.
	Metrics *Metrics
	// Clock is swapped for a fake in tests.
	Clock clock.Clock
}

// state is the in-memory half of one extension's lifecycle.
type state struct {
	status       Status
	connected    bool
	errorLatched bool
	// pending holds continuations awaiting the first successful connection.
	pending []func(ctx context.Context)
}

// Host is the extension host service facade.
type Host struct {
	opts   Options
	logger *logrus.Entry

	registry   *registry.Registry
	keys       *KeyGuard
	preparer   *runtime.Preparer
	supervisor Supervisor
	router     *router.Router
	scheduler  *throttle.Scheduler
	dispatcher *dispatch.Dispatcher
	syncer     *syncer.Syncer
	watcher    *watch.Watcher
	bus        *notify.Bus
	metrics    *Metrics
	clock      clock.Clock

	mu     sync.Mutex
	states map[string]*state

	subs []*notify.Subscription

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	loops   sync.WaitGroup
}

// New assembles a host from its options. Nothing runs until Start; a host
// that is never started still serves the offline pipelines (install,
// uninstall, pause, resume) without touching processes.
func New(opts Options) *Host {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	h := &Host{
		opts:     opts,
		logger:   logrus.WithField("component", "host"),
		registry: registry.New(opts.ExtensionsDir),
		keys:     NewKeyGuard(),
		preparer: runtime.NewPreparer(),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		states:   map[string]*state{},
	}

	h.supervisor = opts.Supervisor
	if h.supervisor == nil {
		h.supervisor = supervise.New(supervise.Options{
			WebServicesBaseURL: opts.WebServicesBaseURL,
			StopGracePeriod:    opts.StopGracePeriod,
		})
	}

	h.scheduler = throttle.NewScheduler()
	h.router = router.New(router.Options{
		Keys:     h.keys,
		Listener: h,
		Intents:  opts.Intents,
		Bus:      opts.Bus,
	})
	h.dispatcher = dispatch.New(dispatch.Options{
		Providers:      h.registry,
		Connections:    h.router,
		Bus:            opts.Bus,
		ConnectTimeout: opts.ConnectTimeout,
		Clock:          opts.Clock,
	})
	h.syncer = syncer.New(syncer.Options{
		Catalog:  opts.Catalog,
		Features: opts.Features,
		Tags:     opts.Tags,
		Vectors:  opts.Vectors,
		Bus:      opts.Bus,
	})
	if opts.UnpackedDir != "" {
		h.watcher = watch.New(watch.Options{
			Dir:      opts.UnpackedDir,
			Reloader: h,
		})
	}
	return h
}

// SocketHandler is the endpoint extension children connect to.
func (h *Host) SocketHandler() http.Handler {
	return h.router
}

// Start brings the host online: it reconciles the installed tree, starts
// every enabled extension, begins watching the unpacked directory, and
// wires the event bridge. Idempotent only in the sense that a second call
// fails cleanly.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("host already started")
	}
	h.started = true
	h.runCtx, h.cancel = context.WithCancel(context.Background())
	h.mu.Unlock()

	if err := h.registry.EnsureRoot(); err != nil {
		return err
	}

	h.subscribe()

	h.loops.Add(1)
	go h.signalLoop()

	if err := h.reconcile(ctx); err != nil {
		return err
	}

	if h.watcher != nil {
		if err := h.watcher.Start(h.runCtx); err != nil {
			return errors.Wrap(err, "starting unpacked watcher")
		}
	}

	h.logger.Info("extension host started")
	return nil
}

// reconcile starts every enabled installed extension. Failures are logged
// and do not abort startup; the failing extension is left in Error.
func (h *Host) reconcile(ctx context.Context) error {
	installed, err := h.registry.List(true)
	if err != nil {
		return errors.Wrap(err, "enumerating installed extensions")
	}

	for _, ext := range installed {
		if ext.Paused {
			h.setStatus(ext.ID(), StatusPaused)
			continue
		}
		h.setStatus(ext.ID(), StatusInstalled)
		if err := h.startExtension(ctx, ext); err != nil {
			h.logger.WithField("extension", ext.ID()).Errorf("start failed: %v", err)
		}
	}
	return nil
}

// Destroy tears the host down in reverse dependency order: the watcher
// first so no reload fires mid-shutdown, then every child process, the
// limiter table, and finally the socket endpoint.
func (h *Host) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	h.mu.Unlock()

	if h.watcher != nil {
		h.watcher.Stop()
	}

	err := h.supervisor.Destroy(ctx)

	h.scheduler.Destroy()
	h.router.Destroy()

	h.cancel()
	for _, sub := range h.subs {
		sub.Cancel()
	}
	h.subs = nil
	h.loops.Wait()

	h.logger.Info("extension host stopped")
	return errors.Wrap(err, "stopping extensions")
}

// ExtensionInfo is one row of the operator's view.
type ExtensionInfo struct {
	ID           string
	Version      string
	Name         string
	Status       Status
	Connected    bool
	Unpacked     bool
	Capabilities []extension.Capability
}

// ListExtensions merges the on-disk tree with the runtime state machine.
// Offline (host never started) the status is derived from disk alone.
func (h *Host) ListExtensions() ([]ExtensionInfo, error) {
	installed, err := h.registry.List(true)
	if err != nil {
		return nil, err
	}

	infos := make([]ExtensionInfo, 0, len(installed))
	for _, ext := range installed {
		info := ExtensionInfo{
			ID:           ext.ID(),
			Version:      ext.Manifest.Version,
			Name:         ext.Manifest.Name,
			Unpacked:     ext.Unpacked,
			Capabilities: ext.Manifest.Capabilities(),
		}
		info.Status, info.Connected = h.statusOf(ext)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Status reports the runtime status of one installed extension.
func (h *Host) Status(id string) (Status, bool, error) {
	ext, err := h.registry.Get(id)
	if err != nil {
		return "", false, err
	}
	if ext == nil {
		return "", false, errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}
	st, connected := h.statusOf(ext)
	return st, connected, nil
}

func (h *Host) statusOf(ext *registry.Installed) (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.states[ext.ID()]; ok {
		return st.status, st.connected
	}
	if ext.Paused {
		return StatusPaused, false
	}
	return StatusInstalled, false
}

// ensureState returns the extension's state record, creating it Installed.
// Callers hold h.mu.
func (h *Host) ensureState(id string) *state {
	st, ok := h.states[id]
	if !ok {
		st = &state{status: StatusInstalled}
		h.states[id] = st
	}
	return st
}

func (h *Host) setStatus(id string, status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureState(id).status = status
}

// whenConnected runs the task immediately if the extension has a live
// socket, otherwise queues it for the first successful connection. Queued
// tasks are flushed unrun on pause and uninstall.
func (h *Host) whenConnected(id string, task func(ctx context.Context)) {
	h.mu.Lock()
	st := h.ensureState(id)
	if st.connected {
		h.mu.Unlock()
		go task(h.runCtx)
		return
	}
	st.pending = append(st.pending, task)
	h.mu.Unlock()
}

// flushPending drops queued continuations. Callers hold h.mu.
func (h *Host) flushPending(st *state) {
	if n := len(st.pending); n > 0 {
		h.logger.Debugf("flushing %d pending runnable(s)", n)
	}
	st.pending = nil
}

// running reports whether Start was called and Destroy was not.
func (h *Host) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}
