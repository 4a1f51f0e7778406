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

// Package store declares the persistence surfaces the host depends on: the
// image catalogue, per-extension derived state, the embedding vector store,
// extension settings and attachments. The daemon wires the badger-backed
// implementations from the badgerstore subpackage; tests use the in-memory
// ones.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by lookups for keys that were never written or
// were deleted.
var ErrNotFound = errors.New("not found")

// ImageCatalog is the host's view of the image-management server's
// catalogue. The synchronisation engine diffs it against per-extension
// state.
type ImageCatalog interface {
	PutImage(ctx context.Context, imageID string, meta []byte) error
	DeleteImage(ctx context.Context, imageID string) error
	HasImage(ctx context.Context, imageID string) (bool, error)
	ListImageIDs(ctx context.Context) ([]string, error)
}

// StateStore holds one class of per-extension derived rows (features or
// tags), keyed by (extensionID, imageID).
type StateStore interface {
	Put(ctx context.Context, extensionID, imageID string, payload []byte) error
	Get(ctx context.Context, extensionID, imageID string) ([]byte, error)
	Delete(ctx context.Context, extensionID, imageID string) error
	// ListImageIDs returns the image ids the extension has rows for, sorted.
	ListImageIDs(ctx context.Context, extensionID string) ([]string, error)
	// DeleteExtension removes every row of the extension.
	DeleteExtension(ctx context.Context, extensionID string) error
}

// Match is one result of a vector similarity query.
type Match struct {
	Key   string
	Score float32
}

// VectorStore keeps per-extension embedding collections. A collection must
// be ensured before keys are written to it.
type VectorStore interface {
	EnsureCollection(ctx context.Context, extensionID string) error
	HasCollection(ctx context.Context, extensionID string) (bool, error)
	Put(ctx context.Context, extensionID, key string, vector []float32) error
	Delete(ctx context.Context, extensionID, key string) error
	ListKeys(ctx context.Context, extensionID string) ([]string, error)
	// Search scans the collection for the k nearest keys by cosine
	// similarity, best first.
	Search(ctx context.Context, extensionID string, query []float32, k int) ([]Match, error)
	DeleteCollection(ctx context.Context, extensionID string) error
}

// SettingsStore persists the user-supplied settings document of each
// extension. Documents are opaque JSON already validated against the
// manifest's settings schema.
type SettingsStore interface {
	Put(ctx context.Context, extensionID string, doc []byte) error
	Get(ctx context.Context, extensionID string) ([]byte, error)
	Delete(ctx context.Context, extensionID string) error
}

// AttachmentStore keeps files extensions produce alongside images.
// Uninstall must be able to wipe an extension's attachments in one call.
type AttachmentStore interface {
	Put(ctx context.Context, extensionID, name string, content []byte) error
	Get(ctx context.Context, extensionID, name string) ([]byte, error)
	List(ctx context.Context, extensionID string) ([]string, error)
	DeleteAll(ctx context.Context, extensionID string) error
}
