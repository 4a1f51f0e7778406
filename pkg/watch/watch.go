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

// Package watch hot-reloads unpacked extensions. It scans a source
// directory for extension folders, installs them through the host, and
// watches every manifest for edits. Editors produce bursts of filesystem
// events per save, so changes are coalesced behind a short stability
// window before the reload fires.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/photark/extension-host/api/extension"
)

const (
	defaultStabilityWindow = 250 * time.Millisecond
	defaultPollInterval    = 100 * time.Millisecond
)

// Reloader is the host surface the watcher drives. InstallUnpacked links
// a source directory into the installed tree and installs it; ReloadUnpacked
// stops the extension, re-installs it in update mode and restarts it.
type Reloader interface {
	InstallUnpacked(ctx context.Context, sourceDir string) (string, error)
	ReloadUnpacked(ctx context.Context, id string) error
}

// Options configures a Watcher. Dir and Reloader are required.
type Options struct {
	// Dir is the unpacked-extensions source directory.
	Dir      string
	Reloader Reloader
	// StabilityWindow is how long a manifest must stay quiet before its
	// reload fires. Zero means 250 ms.
	StabilityWindow time.Duration
	// PollInterval is how often pending changes are checked for stability.
	// Zero means 100 ms.
	PollInterval time.Duration
}

// Watcher owns the manifest watches of every unpacked extension.
type Watcher struct {
	dir       string
	reloader  Reloader
	stability time.Duration
	poll      time.Duration
	logger    *logrus.Entry

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	// manifests maps a watched manifest path to its extension id.
	manifests map[string]string
	// pending maps a manifest path to its most recent change.
	pending map[string]time.Time
}

// New returns an idle Watcher.
func New(opts Options) *Watcher {
	if opts.StabilityWindow <= 0 {
		opts.StabilityWindow = defaultStabilityWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Watcher{
		dir:       opts.Dir,
		reloader:  opts.Reloader,
		stability: opts.StabilityWindow,
		poll:      opts.PollInterval,
		logger:    logrus.WithField("component", "watch"),
		manifests: map[string]string{},
		pending:   map[string]time.Time{},
	}
}

// Start scans the source directory, installs what it finds, and begins
// watching manifests. A missing source directory is not an error, the
// watcher just stays idle.
func (w *Watcher) Start(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating filesystem watcher")
	}
	w.fs = fs

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	if err := w.scan(loopCtx); err != nil {
		cancel()
		_ = fs.Close()
		return err
	}

	go w.loop(loopCtx)
	return nil
}

// scan walks the source directory once and installs every subdirectory
// carrying a manifest. Broken candidates are skipped with a warning.
func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if os.IsNotExist(err) {
		w.logger.WithField("dir", w.dir).Debug("no unpacked directory")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", w.dir)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sourceDir := filepath.Join(w.dir, entry.Name())
		manifestPath := filepath.Join(sourceDir, extension.ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		id, err := w.reloader.InstallUnpacked(ctx, sourceDir)
		if err != nil {
			w.logger.WithField("dir", sourceDir).Warnf("skipping unpacked extension: %v", err)
			continue
		}
		if err := w.watchManifest(manifestPath, id); err != nil {
			w.logger.WithField("extension", id).Warnf("manifest watch failed: %v", err)
			continue
		}
		w.logger.WithField("extension", id).Info("watching unpacked extension")
	}
	return nil
}

// watchManifest registers the manifest's directory with the filesystem
// watcher. Watching the directory instead of the file survives the
// replace-by-rename dance editors do on save.
func (w *Watcher) watchManifest(manifestPath, id string) error {
	if err := w.fs.Add(filepath.Dir(manifestPath)); err != nil {
		return err
	}
	w.mu.Lock()
	w.manifests[manifestPath] = id
	w.mu.Unlock()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.observe(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("filesystem watch error: %v", err)
		case <-ticker.C:
			w.flushStable(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// observe records a manifest change. Events for other files in the
// extension directory are ignored.
func (w *Watcher) observe(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != extension.ManifestFileName {
		return
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, watched := w.manifests[ev.Name]; !watched {
		return
	}
	w.pending[ev.Name] = time.Now()
}

// flushStable fires a reload for every pending manifest that stayed quiet
// for the stability window.
func (w *Watcher) flushStable(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	ready := map[string]string{}
	for path, last := range w.pending {
		if now.Sub(last) >= w.stability {
			ready[path] = w.manifests[path]
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for path, id := range ready {
		w.logger.WithField("extension", id).Info("manifest changed, reloading")
		go func(path, id string) {
			if err := w.reloader.ReloadUnpacked(ctx, id); err != nil {
				w.logger.WithField("extension", id).Errorf("reload failed: %v", err)
			}
		}(path, id)
	}
}

// Stop ends the watch loop and releases the filesystem watcher.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	_ = w.fs.Close()
	<-w.done
}
