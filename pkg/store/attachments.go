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

package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// DirAttachments stores attachments as plain files under
// root/<extensionID>/<name>. Attachments are blobs; a filesystem tree is
// the storage, not a cache.
type DirAttachments struct {
	root string
}

var _ AttachmentStore = (*DirAttachments)(nil)

func NewDirAttachments(root string) *DirAttachments {
	return &DirAttachments{root: root}
}

func (a *DirAttachments) path(extensionID, name string) (string, error) {
	if extensionID == "" || !filepath.IsLocal(extensionID) {
		return "", errors.Errorf("invalid extension id %q", extensionID)
	}
	if name == "" || !filepath.IsLocal(name) {
		return "", errors.Errorf("invalid attachment name %q", name)
	}
	return filepath.Join(a.root, extensionID, name), nil
}

func (a *DirAttachments) Put(_ context.Context, extensionID, name string, content []byte) error {
	path, err := a.path(extensionID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating attachment directory")
	}
	return errors.Wrap(os.WriteFile(path, content, 0o644), "writing attachment")
}

func (a *DirAttachments) Get(_ context.Context, extensionID, name string) ([]byte, error) {
	path, err := a.path(extensionID, name)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading attachment")
	}
	return content, nil
}

func (a *DirAttachments) List(_ context.Context, extensionID string) ([]string, error) {
	if extensionID == "" || !filepath.IsLocal(extensionID) {
		return nil, errors.Errorf("invalid extension id %q", extensionID)
	}

	entries, err := os.ReadDir(filepath.Join(a.root, extensionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing attachments")
	}

	names := []string{}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (a *DirAttachments) DeleteAll(_ context.Context, extensionID string) error {
	if extensionID == "" || !filepath.IsLocal(extensionID) {
		return errors.Errorf("invalid extension id %q", extensionID)
	}
	return errors.Wrap(
		os.RemoveAll(filepath.Join(a.root, extensionID)),
		"removing attachments",
	)
}
