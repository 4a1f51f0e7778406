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

package badgerstore

import (
	"context"
	"encoding/binary"
	"math"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/photark/extension-host/pkg/store"
)

// vectors keeps one embedding collection per extension. Collection presence
// is tracked by a marker key so an empty collection is distinguishable from
// a missing one. Queries are a brute-force cosine scan; collections are
// per-extension and small enough that an index is not worth its complexity.
type vectors struct {
	db *badger.DB
}

func collectionKey(extensionID string) []byte {
	return []byte(prefixCollection + extensionID)
}

func vectorPrefix(extensionID string) string {
	return prefixVector + extensionID + "/"
}

func (v *vectors) EnsureCollection(_ context.Context, extensionID string) error {
	return set(v.db, collectionKey(extensionID), []byte{})
}

func (v *vectors) HasCollection(_ context.Context, extensionID string) (bool, error) {
	return has(v.db, collectionKey(extensionID))
}

func (v *vectors) Put(ctx context.Context, extensionID, key string, vector []float32) error {
	ok, err := v.HasCollection(ctx, extensionID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "collection %s", extensionID)
	}
	return set(v.db, []byte(vectorPrefix(extensionID)+key), encodeVector(vector))
}

func (v *vectors) Delete(_ context.Context, extensionID, key string) error {
	return del(v.db, []byte(vectorPrefix(extensionID)+key))
}

func (v *vectors) ListKeys(_ context.Context, extensionID string) ([]string, error) {
	return listSuffixes(v.db, vectorPrefix(extensionID))
}

func (v *vectors) Search(ctx context.Context, extensionID string, query []float32, k int) ([]store.Match, error) {
	ok, err := v.HasCollection(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "collection %s", extensionID)
	}

	prefix := vectorPrefix(extensionID)
	matches := []store.Match{}
	err = v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.KeyCopy(nil)), prefix)
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			matches = append(matches, store.Match{
				Key:   key,
				Score: store.Cosine(query, decodeVector(raw)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning collection %s", extensionID)
	}
	return store.TopMatches(matches, k), nil
}

func (v *vectors) DeleteCollection(_ context.Context, extensionID string) error {
	if err := dropPrefix(v.db, vectorPrefix(extensionID)); err != nil {
		return err
	}
	return del(v.db, collectionKey(extensionID))
}

func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, f := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vector := make([]float32, len(buf)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector
}
