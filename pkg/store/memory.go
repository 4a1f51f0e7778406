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
	"sort"
	"sync"
)

// MemoryCatalog is an in-memory ImageCatalog.
type MemoryCatalog struct {
	mu     sync.RWMutex
	images map[string][]byte
}

var _ ImageCatalog = (*MemoryCatalog)(nil)

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{images: map[string][]byte{}}
}

func (c *MemoryCatalog) PutImage(_ context.Context, imageID string, meta []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[imageID] = append([]byte(nil), meta...)
	return nil
}

func (c *MemoryCatalog) DeleteImage(_ context.Context, imageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.images, imageID)
	return nil
}

func (c *MemoryCatalog) HasImage(_ context.Context, imageID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.images[imageID]
	return ok, nil
}

func (c *MemoryCatalog) ListImageIDs(context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.images))
	for id := range c.images {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryState is an in-memory StateStore.
type MemoryState struct {
	mu   sync.RWMutex
	rows map[string]map[string][]byte // extensionID → imageID → payload
}

var _ StateStore = (*MemoryState)(nil)

func NewMemoryState() *MemoryState {
	return &MemoryState{rows: map[string]map[string][]byte{}}
}

func (s *MemoryState) Put(_ context.Context, extensionID, imageID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[extensionID] == nil {
		s.rows[extensionID] = map[string][]byte{}
	}
	s.rows[extensionID][imageID] = append([]byte(nil), payload...)
	return nil
}

func (s *MemoryState) Get(_ context.Context, extensionID, imageID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.rows[extensionID][imageID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

func (s *MemoryState) Delete(_ context.Context, extensionID, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[extensionID], imageID)
	return nil
}

func (s *MemoryState) ListImageIDs(_ context.Context, extensionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rows[extensionID]))
	for id := range s.rows[extensionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryState) DeleteExtension(_ context.Context, extensionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, extensionID)
	return nil
}

// MemoryVectors is an in-memory VectorStore.
type MemoryVectors struct {
	mu          sync.RWMutex
	collections map[string]map[string][]float32
}

var _ VectorStore = (*MemoryVectors)(nil)

func NewMemoryVectors() *MemoryVectors {
	return &MemoryVectors{collections: map[string]map[string][]float32{}}
}

func (v *MemoryVectors) EnsureCollection(_ context.Context, extensionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.collections[extensionID] == nil {
		v.collections[extensionID] = map[string][]float32{}
	}
	return nil
}

func (v *MemoryVectors) HasCollection(_ context.Context, extensionID string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.collections[extensionID]
	return ok, nil
}

func (v *MemoryVectors) Put(_ context.Context, extensionID, key string, vector []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	collection, ok := v.collections[extensionID]
	if !ok {
		return ErrNotFound
	}
	collection[key] = append([]float32(nil), vector...)
	return nil
}

func (v *MemoryVectors) Delete(_ context.Context, extensionID, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.collections[extensionID], key)
	return nil
}

func (v *MemoryVectors) ListKeys(_ context.Context, extensionID string) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.collections[extensionID]))
	for key := range v.collections[extensionID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *MemoryVectors) Search(_ context.Context, extensionID string, query []float32, k int) ([]Match, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	collection, ok := v.collections[extensionID]
	if !ok {
		return nil, ErrNotFound
	}

	matches := make([]Match, 0, len(collection))
	for key, vector := range collection {
		matches = append(matches, Match{Key: key, Score: Cosine(query, vector)})
	}
	return TopMatches(matches, k), nil
}

func (v *MemoryVectors) DeleteCollection(_ context.Context, extensionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.collections, extensionID)
	return nil
}

// MemorySettings is an in-memory SettingsStore.
type MemorySettings struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

var _ SettingsStore = (*MemorySettings)(nil)

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{docs: map[string][]byte{}}
}

func (s *MemorySettings) Put(_ context.Context, extensionID string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[extensionID] = append([]byte(nil), doc...)
	return nil
}

func (s *MemorySettings) Get(_ context.Context, extensionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[extensionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (s *MemorySettings) Delete(_ context.Context, extensionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, extensionID)
	return nil
}
