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

// Package registry enumerates the installed-extensions tree. The directory
// name is the authoritative extension id; manifests that disagree are
// skipped with a warning. Unpacked extensions appear as symbolic links and
// are honoured like ordinary directories.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/photark/extension-host/api/extension"
)

// PauseSentinel is the marker file whose presence pauses an extension.
const PauseSentinel = ".paused"

// Status is the on-disk state of an installed extension. The richer runtime
// state machine (Connecting, Connected, Error) lives with the host service.
type Status string

const (
	StatusEnabled Status = "Enabled"
	StatusPaused  Status = "Paused"
)

// Installed is a manifest enriched with what only the tree knows: where the
// extension lives, whether it is paused, and whether it is an unpacked
// symlink.
type Installed struct {
	Manifest *extension.Manifest
	Dir      string
	Paused   bool
	Unpacked bool
}

// Status returns the on-disk status of the entry.
func (i *Installed) Status() Status {
	if i.Paused {
		return StatusPaused
	}
	return StatusEnabled
}

// ID is a shorthand for the manifest id, which equals the directory name.
func (i *Installed) ID() string {
	return i.Manifest.ID
}

// Registry owns the installed-extensions tree.
type Registry struct {
	root   string
	logger *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a registry over root. The directory is created on first use.
func New(root string) *Registry {
	return &Registry{
		root:   root,
		logger: logrus.WithField("component", "registry"),
		locks:  map[string]*sync.Mutex{},
	}
}

// Root returns the tree root.
func (r *Registry) Root() string {
	return r.root
}

// Dir returns the directory an extension with the given id occupies.
func (r *Registry) Dir(id string) string {
	return filepath.Join(r.root, id)
}

// LockExtension serialises tree mutations per extension id. Install,
// update, uninstall, pause and resume all hold it for their duration.
func (r *Registry) LockExtension(id string) (unlock func()) {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// EnsureRoot creates the tree root if it does not exist.
func (r *Registry) EnsureRoot() error {
	return errors.Wrapf(os.MkdirAll(r.root, 0o755), "creating %s", r.root)
}

// List enumerates the tree at depth 1. Entries that are not extension
// directories, carry an unreadable manifest, or declare an id different
// from their directory name are skipped; the latter two warn.
func (r *Registry) List(includePaused bool) ([]*Installed, error) {
	entries, err := os.ReadDir(r.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", r.root)
	}

	installed := []*Installed{}
	for _, entry := range entries {
		ext, ok := r.load(entry)
		if !ok {
			continue
		}
		if ext.Paused && !includePaused {
			continue
		}
		installed = append(installed, ext)
	}

	sort.Slice(installed, func(i, j int) bool {
		return installed[i].ID() < installed[j].ID()
	})
	return installed, nil
}

// load reads one tree entry. The boolean is false for entries List should
// skip.
func (r *Registry) load(entry os.DirEntry) (*Installed, bool) {
	name := entry.Name()
	dir := filepath.Join(r.root, name)

	unpacked := entry.Type()&os.ModeSymlink != 0
	if !unpacked && !entry.IsDir() {
		return nil, false
	}
	if unpacked {
		// The symlink must resolve to a directory.
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			r.logger.WithField("extension", name).Warn("dangling unpacked symlink, skipping")
			return nil, false
		}
	}

	manifestPath := filepath.Join(dir, extension.ManifestFileName)
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		return nil, false
	}

	manifest, err := extension.LoadManifest(dir)
	if err != nil {
		r.logger.WithField("extension", name).Warnf("skipping malformed manifest: %v", err)
		return nil, false
	}
	if manifest.ID != name {
		r.logger.WithField("extension", name).
			Warnf("manifest id %q does not match directory name, skipping", manifest.ID)
		return nil, false
	}

	_, err = os.Stat(filepath.Join(dir, PauseSentinel))
	return &Installed{
		Manifest: manifest,
		Dir:      dir,
		Paused:   err == nil,
		Unpacked: unpacked,
	}, true
}

// Exists reports whether an extension directory with a matching manifest is
// present.
func (r *Registry) Exists(id string) (bool, error) {
	ext, err := r.Get(id)
	return ext != nil, err
}

// Get returns the installed extension, or nil if the id is not installed.
func (r *Registry) Get(id string) (*Installed, error) {
	installed, err := r.List(true)
	if err != nil {
		return nil, err
	}
	for _, ext := range installed {
		if ext.ID() == id {
			return ext, nil
		}
	}
	return nil, nil
}

// GetStatus returns Enabled or Paused. Unknown ids report as Enabled with
// ok == false.
func (r *Registry) GetStatus(id string) (Status, bool, error) {
	ext, err := r.Get(id)
	if err != nil || ext == nil {
		return StatusEnabled, false, err
	}
	return ext.Status(), true, nil
}

// SetPaused creates or removes the pause sentinel. Both directions are
// idempotent.
func (r *Registry) SetPaused(id string, paused bool) error {
	sentinel := filepath.Join(r.Dir(id), PauseSentinel)
	if paused {
		f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "creating %s", sentinel)
		}
		return errors.Wrap(f.Close(), "closing sentinel")
	}

	err := os.Remove(sentinel)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", sentinel)
	}
	return nil
}

// WithCapability filters List to extensions declaring the capability with a
// ProcessStarted subscription in the same instruction group.
func (r *Registry) WithCapability(capability extension.Capability, includePaused bool) ([]*Installed, error) {
	installed, err := r.List(includePaused)
	if err != nil {
		return nil, err
	}

	matching := []*Installed{}
	for _, ext := range installed {
		if declaresRunnableCapability(ext.Manifest, capability) {
			matching = append(matching, ext)
		}
	}
	return matching, nil
}

// declaresRunnableCapability requires the capability and ProcessStarted in
// one instruction group; a capability without a process behind it cannot
// serve.
func declaresRunnableCapability(m *extension.Manifest, capability extension.Capability) bool {
	for _, instruction := range m.Instructions {
		hasCapability, hasProcessStarted := false, false
		for _, c := range instruction.Capabilities {
			if c == capability {
				hasCapability = true
				break
			}
		}
		for _, e := range instruction.Events {
			if e == extension.ProcessStarted {
				hasProcessStarted = true
				break
			}
		}
		if hasCapability && hasProcessStarted {
			return true
		}
	}
	return false
}

// Link exposes an unpacked source directory inside the tree as a symlink
// named id. An existing link for the id is replaced if it points elsewhere.
func (r *Registry) Link(id, sourceDir string) error {
	target := r.Dir(id)

	if existing, err := os.Readlink(target); err == nil {
		if existing == sourceDir {
			return nil
		}
		if err := os.Remove(target); err != nil {
			return errors.Wrapf(err, "replacing link %s", target)
		}
	}

	if err := os.Symlink(sourceDir, target); err != nil {
		return errors.Wrapf(err, "linking %s to %s", target, sourceDir)
	}
	return nil
}

// Remove deletes the extension's tree entry. For unpacked extensions only
// the symlink goes; the underlying source tree is never touched.
func (r *Registry) Remove(id string) error {
	target := r.Dir(id)

	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "inspecting %s", target)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return errors.Wrapf(os.Remove(target), "removing link %s", target)
	}
	return errors.Wrapf(os.RemoveAll(target), "removing %s", target)
}
