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

// Package syncer reconciles per-extension derived state against the image
// catalogue. For every capability an extension declares, images the
// extension has not processed yet get a compute event enqueued, and rows
// whose image disappeared are deleted.
package syncer

import (
	"context"

	"github.com/nozzle/throttler"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/store"
)

const defaultParallelism = 4

// ImageRef is the payload of the compute events a sweep enqueues.
type ImageRef struct {
	ID string `json:"id"`
}

// Report totals one sweep.
type Report struct {
	Enqueued int
	Orphans  int
}

// Options configures a Syncer. All stores and the bus are required.
type Options struct {
	Catalog  store.ImageCatalog
	Features store.StateStore
	Tags     store.StateStore
	Vectors  store.VectorStore
	Bus      *notify.Bus
	// Parallelism bounds concurrent per-extension sweeps in SweepExtensions.
	// Zero means 4.
	Parallelism int
}

// Syncer diffs catalogue and state and enqueues the missing work.
type Syncer struct {
	catalog     store.ImageCatalog
	features    store.StateStore
	tags        store.StateStore
	vectors     store.VectorStore
	bus         *notify.Bus
	parallelism int
	logger      *logrus.Entry
}

// New returns a Syncer.
func New(opts Options) *Syncer {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Syncer{
		catalog:     opts.Catalog,
		features:    opts.Features,
		tags:        opts.Tags,
		vectors:     opts.Vectors,
		bus:         opts.Bus,
		parallelism: opts.Parallelism,
		logger:      logrus.WithField("component", "syncer"),
	}
}

// SweepExtension reconciles every capability of one extension. Missing
// images are enqueued as compute events, orphaned rows deleted. Running it
// twice without catalogue changes enqueues nothing the second time once
// the extension has recorded its results.
func (s *Syncer) SweepExtension(ctx context.Context, manifest *extension.Manifest) (Report, error) {
	total := Report{}

	images, err := s.catalog.ListImageIDs(ctx)
	if err != nil {
		return total, errors.Wrap(err, "listing image catalogue")
	}

	for _, capability := range manifest.Capabilities() {
		report, err := s.sweepCapability(ctx, manifest.ID, capability, images)
		if err != nil {
			return total, errors.Wrapf(err, "sweeping %s for %s", capability, manifest.ID)
		}
		total.Enqueued += report.Enqueued
		total.Orphans += report.Orphans
	}

	s.logger.WithFields(logrus.Fields{
		"extension": manifest.ID,
		"enqueued":  total.Enqueued,
		"orphans":   total.Orphans,
	}).Info("sweep complete")
	return total, nil
}

func (s *Syncer) sweepCapability(ctx context.Context, extensionID string, capability extension.Capability, images []string) (Report, error) {
	action, ok := computeAction(capability)
	if !ok {
		// TextEmbeddings has no per-image state to reconcile.
		return Report{}, nil
	}

	var have []string
	var err error
	var remove func(ctx context.Context, imageID string) error

	switch capability {
	case extension.CapabilityImageFeatures:
		have, err = s.features.ListImageIDs(ctx, extensionID)
		remove = func(ctx context.Context, imageID string) error {
			return s.features.Delete(ctx, extensionID, imageID)
		}
	case extension.CapabilityImageTags:
		have, err = s.tags.ListImageIDs(ctx, extensionID)
		remove = func(ctx context.Context, imageID string) error {
			return s.tags.Delete(ctx, extensionID, imageID)
		}
	case extension.CapabilityImageEmbeddings:
		have, err = s.vectors.ListKeys(ctx, extensionID)
		remove = func(ctx context.Context, imageID string) error {
			return s.vectors.Delete(ctx, extensionID, imageID)
		}
	}
	if err != nil {
		return Report{}, errors.Wrap(err, "listing extension state")
	}

	missing, orphans := diff(images, have)
	for _, imageID := range missing {
		s.bus.Emit(notify.Event{
			Entity:      notify.EntityImage,
			Action:      action,
			ExtensionID: extensionID,
			Payload:     ImageRef{ID: imageID},
		})
	}
	for _, imageID := range orphans {
		if err := remove(ctx, imageID); err != nil {
			return Report{}, errors.Wrapf(err, "removing orphan %s", imageID)
		}
		s.logger.WithFields(logrus.Fields{
			"extension": extensionID,
			"image":     imageID,
		}).Debug("removed orphaned row")
	}

	return Report{Enqueued: len(missing), Orphans: len(orphans)}, nil
}

// SweepImage enqueues the compute events of one image across the
// extension's capabilities. Used on single-image demand.
func (s *Syncer) SweepImage(_ context.Context, manifest *extension.Manifest, imageID string) {
	for _, capability := range manifest.Capabilities() {
		action, ok := computeAction(capability)
		if !ok {
			continue
		}
		s.bus.Emit(notify.Event{
			Entity:      notify.EntityImage,
			Action:      action,
			ExtensionID: manifest.ID,
			Payload:     ImageRef{ID: imageID},
		})
	}
}

// SweepExtensions sweeps a batch with bounded parallelism.
func (s *Syncer) SweepExtensions(ctx context.Context, manifests []*extension.Manifest) error {
	if len(manifests) == 0 {
		return nil
	}

	t := throttler.New(s.parallelism, len(manifests))
	for _, manifest := range manifests {
		go func(m *extension.Manifest) {
			_, err := s.SweepExtension(ctx, m)
			t.Done(err)
		}(manifest)
		t.Throttle()
	}
	if err := t.Err(); err != nil {
		return errors.Wrap(err, "sweeping extensions")
	}
	return nil
}

func computeAction(capability extension.Capability) (notify.Action, bool) {
	switch capability {
	case extension.CapabilityImageFeatures:
		return notify.ActionComputeFeatures, true
	case extension.CapabilityImageTags:
		return notify.ActionComputeTags, true
	case extension.CapabilityImageEmbeddings:
		return notify.ActionComputeEmbeddings, true
	default:
		return "", false
	}
}

// diff splits want and have into the ids missing from have and the ids in
// have that disappeared from want.
func diff(want, have []string) (missing, orphans []string) {
	haveSet := make(map[string]bool, len(have))
	for _, id := range have {
		haveSet[id] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, id := range want {
		wantSet[id] = true
		if !haveSet[id] {
			missing = append(missing, id)
		}
	}
	for _, id := range have {
		if !wantSet[id] {
			orphans = append(orphans, id)
		}
	}
	return missing, orphans
}
