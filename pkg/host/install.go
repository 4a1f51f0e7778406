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
	"os"

	"github.com/pkg/errors"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/archive"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/registry"
	"github.com/photark/extension-host/pkg/supervise"
	"github.com/photark/extension-host/pkg/syncer"
)

var (
	// ErrIDMismatch means the caller named one extension and the archive's
	// manifest another.
	ErrIDMismatch = errors.New("extension id mismatch")

	// ErrAlreadyInstalled rejects a fresh install over an existing id.
	ErrAlreadyInstalled = errors.New("extension already installed")

	// ErrNotInstalled rejects operations naming an unknown extension.
	ErrNotInstalled = errors.New("extension not installed")

	// ErrPaused rejects operations that need a running extension.
	ErrPaused = errors.New("extension is paused")

	// ErrRuntimePrep means the interpreter environment could not be
	// materialised. A fresh install is rolled back; an update keeps the
	// directory and latches status Error.
	ErrRuntimePrep = errors.New("runtime preparation failed")

	// ErrChildStart means the child process did not come up, including the
	// one retry the supervisor performs.
	ErrChildStart = errors.New("child process failed to start")
)

// Install runs the install/update pipeline on an archive buffer.
//
// existingID selects the mode: empty means a fresh install and fails with
// ErrAlreadyInstalled if the manifest id is taken; non-empty means an update
// of that id and fails with ErrIDMismatch or ErrNotInstalled when the
// archive or the tree disagree.
//
// The returned record reflects the tree after extraction. A non-nil record
// together with ErrChildStart means the extension is installed but its
// process did not come up.
func (h *Host) Install(ctx context.Context, existingID string, data []byte) (*registry.Installed, error) {
	bundle, err := archive.Open(data)
	if err != nil {
		return nil, err
	}
	manifest := bundle.Manifest

	if existingID != "" && existingID != manifest.ID {
		return nil, errors.Wrapf(ErrIDMismatch,
			"archive manifest declares %q, caller named %q", manifest.ID, existingID)
	}

	unlock := h.registry.LockExtension(manifest.ID)
	defer unlock()

	existing, err := h.registry.Get(manifest.ID)
	if err != nil {
		return nil, err
	}
	isUpdate := existingID != ""
	if existing != nil && !isUpdate {
		return nil, errors.Wrapf(ErrAlreadyInstalled, "extension %s", manifest.ID)
	}
	if existing == nil && isUpdate {
		return nil, errors.Wrapf(ErrNotInstalled, "extension %s", existingID)
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	if isUpdate {
		if err := h.stopExtension(ctx, manifest.ID); err != nil {
			return nil, err
		}
	}

	dir := h.registry.Dir(manifest.ID)
	if !isUpdate {
		// A leftover tree from an interrupted earlier attempt must not
		// shadow the fresh extraction.
		if err := os.RemoveAll(dir); err != nil {
			return nil, errors.Wrapf(err, "clearing %s", dir)
		}
	}
	if err := bundle.Extract(dir); err != nil {
		return nil, err
	}

	if err := h.preparer.Prepare(ctx, dir, manifest.Runtimes); err != nil {
		if !isUpdate {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				h.logger.WithField("extension", manifest.ID).
					Warnf("rollback failed: %v", rmErr)
			}
			return nil, errors.Wrapf(ErrRuntimePrep, "%v", err)
		}
		h.setStatus(manifest.ID, StatusError)
		return nil, errors.Wrapf(ErrRuntimePrep, "%v", err)
	}

	if !isUpdate {
		if err := h.ensureCollections(ctx, manifest); err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				h.logger.WithField("extension", manifest.ID).
					Warnf("rollback failed: %v", rmErr)
			}
			return nil, err
		}
	}

	installed, err := h.registry.Get(manifest.ID)
	if err != nil {
		return nil, err
	}
	if installed == nil {
		return nil, errors.Errorf("extension %s vanished after extraction", manifest.ID)
	}

	action := notify.ActionInstalled
	if isUpdate {
		action = notify.ActionUpdated
	}
	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      action,
		ExtensionID: installed.ID(),
		Payload:     installed,
	})
	h.logger.WithField("extension", installed.ID()).
		Infof("installed version %s", installed.Manifest.Version)

	if installed.Paused {
		h.setStatus(installed.ID(), StatusPaused)
		return installed, nil
	}
	h.setStatus(installed.ID(), StatusInstalled)
	if err := h.startExtension(ctx, installed); err != nil {
		return installed, err
	}
	return installed, nil
}

// Uninstall stops the extension, wipes every per-extension row and the
// tree entry, and clears all in-memory state. For unpacked extensions only
// the symlink is removed.
func (h *Host) Uninstall(ctx context.Context, id string) error {
	unlock := h.registry.LockExtension(id)
	defer unlock()

	ext, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	if ext == nil {
		return errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}

	h.mu.Lock()
	st := h.ensureState(id)
	st.status = StatusUninstalling
	h.flushPending(st)
	h.mu.Unlock()

	if err := h.stopExtension(ctx, id); err != nil {
		return err
	}

	if err := h.opts.Features.DeleteExtension(ctx, id); err != nil {
		return errors.Wrap(err, "deleting features")
	}
	if err := h.opts.Tags.DeleteExtension(ctx, id); err != nil {
		return errors.Wrap(err, "deleting tags")
	}
	if err := h.opts.Vectors.DeleteCollection(ctx, id); err != nil {
		return errors.Wrap(err, "deleting embeddings")
	}
	if err := h.opts.Settings.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "deleting settings")
	}
	if err := h.opts.Attachments.DeleteAll(ctx, id); err != nil {
		return errors.Wrap(err, "deleting attachments")
	}

	if err := h.registry.Remove(id); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.states, id)
	h.mu.Unlock()

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionUninstalled,
		ExtensionID: id,
	})
	h.logger.WithField("extension", id).Info("uninstalled")
	return nil
}

// Pause stops the extension and marks it with the pause sentinel. Pausing
// an already paused extension is a no-op.
func (h *Host) Pause(ctx context.Context, id string) error {
	unlock := h.registry.LockExtension(id)
	defer unlock()

	ext, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	if ext == nil {
		return errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}

	if err := h.registry.SetPaused(id, true); err != nil {
		return err
	}

	h.mu.Lock()
	st := h.ensureState(id)
	st.status = StatusPaused
	h.flushPending(st)
	h.mu.Unlock()

	if err := h.stopExtension(ctx, id); err != nil {
		return err
	}

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionPaused,
		ExtensionID: id,
	})
	h.logger.WithField("extension", id).Info("paused")
	return nil
}

// Resume removes the pause sentinel and starts the extension. The
// capability sweep runs on its first connect.
func (h *Host) Resume(ctx context.Context, id string) error {
	unlock := h.registry.LockExtension(id)
	defer unlock()

	ext, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	if ext == nil {
		return errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}

	if err := h.registry.SetPaused(id, false); err != nil {
		return err
	}
	ext, err = h.registry.Get(id)
	if err != nil || ext == nil {
		return errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}

	h.setStatus(id, StatusInstalled)
	if err := h.startExtension(ctx, ext); err != nil {
		return err
	}

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionResumed,
		ExtensionID: id,
	})
	h.logger.WithField("extension", id).Info("resumed")
	return nil
}

// startExtension issues a fresh API key, forks the child, and queues the
// capability sweep for the first connect. Offline (host not started) it is
// a no-op; the next serve startup reconciles.
func (h *Host) startExtension(ctx context.Context, ext *registry.Installed) error {
	if !h.running() {
		return nil
	}
	id := ext.ID()
	if h.supervisor.Running(id) {
		return nil
	}

	h.mu.Lock()
	st := h.ensureState(id)
	if st.errorLatched {
		h.mu.Unlock()
		return errors.Wrapf(ErrChildStart, "extension %s reported a fatal error, uninstall to clear", id)
	}
	st.status = StatusConnecting
	h.mu.Unlock()

	apiKey := h.keys.Issue(id)
	err := h.supervisor.Start(ctx, supervise.StartRequest{
		ID:       id,
		APIKey:   apiKey,
		Dir:      ext.Dir,
		Runtimes: ext.Manifest.Runtimes,
	})
	if err != nil {
		h.keys.Revoke(id)
		h.setStatus(id, StatusError)
		return errors.Wrapf(ErrChildStart, "%v", err)
	}

	h.watchConnecting(id)
	h.whenConnected(id, h.sweepTask(ext.Manifest))
	return nil
}

// watchConnecting latches Error if the child never presents its socket
// within the connect timeout.
func (h *Host) watchConnecting(id string) {
	h.loops.Add(1)
	go func() {
		defer h.loops.Done()
		timer := h.clock.NewTimer(h.opts.ConnectTimeout)
		defer timer.Stop()
		select {
		case <-h.runCtx.Done():
		case <-timer.C():
			h.mu.Lock()
			st, ok := h.states[id]
			if ok && st.status == StatusConnecting {
				st.status = StatusError
				h.mu.Unlock()
				h.logger.WithField("extension", id).
					Warnf("no connection within %s", h.opts.ConnectTimeout)
				h.bus.Emit(notify.Event{
					Entity:      notify.EntityProcess,
					Action:      notify.ActionError,
					ExtensionID: id,
					Payload:     "connection timeout",
				})
				return
			}
			h.mu.Unlock()
		}
	}()
}

// stopExtension tears down one extension's runtime: the limiter drains
// first so queued deliveries fail fast, then the child is stopped, the API
// key revoked and the socket closed.
func (h *Host) stopExtension(ctx context.Context, id string) error {
	h.scheduler.Unregister(id)
	if err := h.supervisor.StopProcesses(ctx, []string{id}); err != nil {
		return err
	}
	h.keys.Revoke(id)
	h.router.Disconnect(id)
	return nil
}

// sweepTask wraps a capability sweep as a pending runnable.
func (h *Host) sweepTask(manifest *extension.Manifest) func(ctx context.Context) {
	return func(ctx context.Context) {
		if _, err := h.syncer.SweepExtension(ctx, manifest); err != nil {
			h.logger.WithField("extension", manifest.ID).Errorf("sweep failed: %v", err)
		}
	}
}

// ensureCollections creates the vector-store collection for extensions
// that persist image embeddings.
func (h *Host) ensureCollections(ctx context.Context, manifest *extension.Manifest) error {
	if !manifest.HasCapability(extension.CapabilityImageEmbeddings) {
		return nil
	}
	return errors.Wrap(
		h.opts.Vectors.EnsureCollection(ctx, manifest.ID),
		"ensuring embeddings collection",
	)
}

// Synchronise runs the per-extension sweep now when the extension is
// connected (or the host is offline, where orphan cleanup still applies),
// otherwise queues it for the first connect and returns a nil report.
func (h *Host) Synchronise(ctx context.Context, id string) (*syncer.Report, error) {
	ext, err := h.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}
	if ext.Paused {
		return nil, errors.Wrapf(ErrPaused, "extension %s", id)
	}

	if h.router.Connected(id) || !h.running() {
		report, err := h.syncer.SweepExtension(ctx, ext.Manifest)
		if err != nil {
			return nil, err
		}
		return &report, nil
	}

	h.whenConnected(id, h.sweepTask(ext.Manifest))
	h.logger.WithField("extension", id).Info("sweep queued until connect")
	return nil, nil
}

// SynchroniseImage runs the per-image sweep for every enabled extension.
func (h *Host) SynchroniseImage(ctx context.Context, imageID string) error {
	installed, err := h.registry.List(false)
	if err != nil {
		return err
	}
	for _, ext := range installed {
		h.syncer.SweepImage(ctx, ext.Manifest, imageID)
	}
	return nil
}

// InstallUnpacked links a live-developed source directory into the tree
// and installs it. The watcher calls this during its startup scan; the
// returned id keys later reloads.
func (h *Host) InstallUnpacked(ctx context.Context, sourceDir string) (string, error) {
	manifest, err := extension.LoadManifest(sourceDir)
	if err != nil {
		return "", err
	}
	if err := manifest.Validate(); err != nil {
		return "", err
	}
	id := manifest.ID

	unlock := h.registry.LockExtension(id)
	defer unlock()

	existing, err := h.registry.Get(id)
	if err != nil {
		return "", err
	}
	if existing != nil && !existing.Unpacked {
		return "", errors.Wrapf(ErrAlreadyInstalled, "extension %s is installed as a packaged extension", id)
	}

	if err := h.registry.Link(id, sourceDir); err != nil {
		return "", err
	}

	if err := h.preparer.Prepare(ctx, sourceDir, manifest.Runtimes); err != nil {
		// The source tree belongs to the developer; only the link goes.
		if rmErr := h.registry.Remove(id); rmErr != nil {
			h.logger.WithField("extension", id).Warnf("unlink failed: %v", rmErr)
		}
		return "", errors.Wrapf(ErrRuntimePrep, "%v", err)
	}

	if err := h.ensureCollections(ctx, manifest); err != nil {
		return "", err
	}

	installed, err := h.registry.Get(id)
	if err != nil || installed == nil {
		return "", errors.Wrapf(ErrNotInstalled, "extension %s after linking", id)
	}

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionInstalled,
		ExtensionID: id,
		Payload:     installed,
	})
	h.logger.WithField("extension", id).Info("installed unpacked extension")

	if installed.Paused {
		h.setStatus(id, StatusPaused)
		return id, nil
	}
	h.setStatus(id, StatusInstalled)
	if err := h.startExtension(ctx, installed); err != nil {
		return id, err
	}
	return id, nil
}

// ReloadUnpacked re-runs the install pipeline in update mode after an
// unpacked extension's manifest changed: stop, re-validate, re-prepare,
// restart. Validation failures leave the extension stopped in Error.
func (h *Host) ReloadUnpacked(ctx context.Context, id string) error {
	unlock := h.registry.LockExtension(id)
	defer unlock()

	if err := h.stopExtension(ctx, id); err != nil {
		return err
	}

	manifest, err := extension.LoadManifest(h.registry.Dir(id))
	if err != nil {
		h.setStatus(id, StatusError)
		return err
	}
	if err := manifest.Validate(); err != nil {
		h.setStatus(id, StatusError)
		return err
	}

	if err := h.preparer.Prepare(ctx, h.registry.Dir(id), manifest.Runtimes); err != nil {
		h.setStatus(id, StatusError)
		return errors.Wrapf(ErrRuntimePrep, "%v", err)
	}

	installed, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	if installed == nil {
		return errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionUpdated,
		ExtensionID: id,
		Payload:     installed,
	})
	h.logger.WithField("extension", id).Info("reloaded unpacked extension")

	if installed.Paused {
		h.setStatus(id, StatusPaused)
		return nil
	}
	h.setStatus(id, StatusInstalled)
	return h.startExtension(ctx, installed)
}
