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

// Package badgerstore implements the store interfaces on a single embedded
// badger database. One database file tree holds the image catalogue mirror,
// feature and tag rows, embedding collections and settings, namespaced by
// key prefix.
package badgerstore

import (
	"context"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/photark/extension-host/pkg/store"
)

const (
	prefixImage      = "img/"
	prefixFeatures   = "feat/"
	prefixTags       = "tag/"
	prefixVector     = "vec/"
	prefixCollection = "vecmeta/"
	prefixSettings   = "settings/"
)

// Store owns the badger database and hands out typed views on it.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database under dir.
func Open(dir string, logger *logrus.Entry) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(logger)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger store at %s", dir)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "closing badger store")
}

func (s *Store) Catalog() store.ImageCatalog { return &catalog{db: s.db} }
func (s *Store) Features() store.StateStore  { return &state{db: s.db, prefix: prefixFeatures} }
func (s *Store) Tags() store.StateStore      { return &state{db: s.db, prefix: prefixTags} }
func (s *Store) Vectors() store.VectorStore  { return &vectors{db: s.db} }
func (s *Store) Settings() store.SettingsStore {
	return &settings{db: s.db}
}

func get(db *badger.DB, key []byte) ([]byte, error) {
	var value []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting %s", key)
	}
	return value, nil
}

func set(db *badger.DB, key, value []byte) error {
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return errors.Wrapf(err, "setting %s", key)
}

func del(db *badger.DB, key []byte) error {
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return errors.Wrapf(err, "deleting %s", key)
}

func has(db *badger.DB, key []byte) (bool, error) {
	err := db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", key)
	}
	return true, nil
}

// listSuffixes returns, sorted, the key remainders under prefix.
func listSuffixes(db *badger.DB, prefix string) ([]string, error) {
	suffixes := []string{}
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			suffixes = append(suffixes, strings.TrimPrefix(key, prefix))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}
	return suffixes, nil
}

// dropPrefix removes every key under prefix. A write batch sidesteps the
// transaction size ceiling on large extensions.
func dropPrefix(db *badger.DB, prefix string) error {
	keys := [][]byte{}
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "collecting %s keys", prefix)
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return errors.Wrapf(err, "batch-deleting %s", key)
		}
	}
	return errors.Wrapf(wb.Flush(), "flushing deletes under %s", prefix)
}

type catalog struct {
	db *badger.DB
}

func (c *catalog) PutImage(_ context.Context, imageID string, meta []byte) error {
	return set(c.db, []byte(prefixImage+imageID), meta)
}

func (c *catalog) DeleteImage(_ context.Context, imageID string) error {
	return del(c.db, []byte(prefixImage+imageID))
}

func (c *catalog) HasImage(_ context.Context, imageID string) (bool, error) {
	return has(c.db, []byte(prefixImage+imageID))
}

func (c *catalog) ListImageIDs(context.Context) ([]string, error) {
	return listSuffixes(c.db, prefixImage)
}

type state struct {
	db     *badger.DB
	prefix string
}

func (s *state) key(extensionID, imageID string) []byte {
	return []byte(s.prefix + extensionID + "/" + imageID)
}

func (s *state) Put(_ context.Context, extensionID, imageID string, payload []byte) error {
	return set(s.db, s.key(extensionID, imageID), payload)
}

func (s *state) Get(_ context.Context, extensionID, imageID string) ([]byte, error) {
	return get(s.db, s.key(extensionID, imageID))
}

func (s *state) Delete(_ context.Context, extensionID, imageID string) error {
	return del(s.db, s.key(extensionID, imageID))
}

func (s *state) ListImageIDs(_ context.Context, extensionID string) ([]string, error) {
	return listSuffixes(s.db, s.prefix+extensionID+"/")
}

func (s *state) DeleteExtension(_ context.Context, extensionID string) error {
	return dropPrefix(s.db, s.prefix+extensionID+"/")
}

type settings struct {
	db *badger.DB
}

func (s *settings) Put(_ context.Context, extensionID string, doc []byte) error {
	return set(s.db, []byte(prefixSettings+extensionID), doc)
}

func (s *settings) Get(_ context.Context, extensionID string) ([]byte, error) {
	return get(s.db, []byte(prefixSettings+extensionID))
}

func (s *settings) Delete(_ context.Context, extensionID string) error {
	return del(s.db, []byte(prefixSettings+extensionID))
}
