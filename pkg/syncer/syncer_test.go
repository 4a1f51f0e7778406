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

package syncer

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/store"
)

type harness struct {
	catalog  *store.MemoryCatalog
	features *store.MemoryState
	tags     *store.MemoryState
	vectors  *store.MemoryVectors
	bus      *notify.Bus
	syncer   *Syncer

	mu     sync.Mutex
	events []notify.Event
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		catalog:  store.NewMemoryCatalog(),
		features: store.NewMemoryState(),
		tags:     store.NewMemoryState(),
		vectors:  store.NewMemoryVectors(),
		bus:      notify.NewBus(),
	}
	t.Cleanup(h.bus.Destroy)

	h.bus.SubscribeAll(func(e notify.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})

	h.syncer = New(Options{
		Catalog:  h.catalog,
		Features: h.features,
		Tags:     h.tags,
		Vectors:  h.vectors,
		Bus:      h.bus,
	})
	return h
}

func (h *harness) collected() []notify.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.Event{}, h.events...)
}

func (h *harness) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

func (h *harness) imageIDs(action notify.Action) []string {
	ids := []string{}
	for _, e := range h.collected() {
		if e.Action != action {
			continue
		}
		ids = append(ids, e.Payload.(ImageRef).ID)
	}
	sort.Strings(ids)
	return ids
}

func manifestWith(id string, capabilities ...extension.Capability) *extension.Manifest {
	return &extension.Manifest{
		ID: id,
		Instructions: []extension.Instruction{{
			Events:       []extension.EventName{extension.ProcessStarted},
			Capabilities: capabilities,
		}},
	}
}

func TestSweepEnqueuesMissingImages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.catalog.PutImage(ctx, "img-A", nil))
	require.NoError(t, h.catalog.PutImage(ctx, "img-B", nil))

	report, err := h.syncer.SweepExtension(ctx, manifestWith("tagger.ext", extension.CapabilityImageTags))
	require.NoError(t, err)
	require.Equal(t, Report{Enqueued: 2, Orphans: 0}, report)

	require.Equal(t, []string{"img-A", "img-B"}, h.imageIDs(notify.ActionComputeTags))
	for _, e := range h.collected() {
		require.Equal(t, notify.EntityImage, e.Entity)
		require.Equal(t, "tagger.ext", e.ExtensionID)
	}
}

func TestSweepTwiceEnqueuesOnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.catalog.PutImage(ctx, "img-A", nil))

	_, err := h.syncer.SweepExtension(ctx, manifestWith("tagger.ext", extension.CapabilityImageTags))
	require.NoError(t, err)
	require.Len(t, h.imageIDs(notify.ActionComputeTags), 1)

	// The extension records its result, the next sweep finds nothing to do.
	require.NoError(t, h.tags.Put(ctx, "tagger.ext", "img-A", []byte(`["sunset"]`)))
	h.reset()

	report, err := h.syncer.SweepExtension(ctx, manifestWith("tagger.ext", extension.CapabilityImageTags))
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
	require.Empty(t, h.collected())
}

func TestSweepRemovesOrphanedRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.catalog.PutImage(ctx, "img-A", nil))
	require.NoError(t, h.features.Put(ctx, "feat.ext", "img-A", []byte("{}")))
	require.NoError(t, h.features.Put(ctx, "feat.ext", "img-gone", []byte("{}")))

	report, err := h.syncer.SweepExtension(ctx, manifestWith("feat.ext", extension.CapabilityImageFeatures))
	require.NoError(t, err)
	require.Equal(t, Report{Enqueued: 0, Orphans: 1}, report)
	require.Empty(t, h.collected())

	remaining, err := h.features.ListImageIDs(ctx, "feat.ext")
	require.NoError(t, err)
	require.Equal(t, []string{"img-A"}, remaining)
}

func TestSweepEmbeddingsAgainstVectorStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.catalog.PutImage(ctx, "img-A", nil))
	require.NoError(t, h.catalog.PutImage(ctx, "img-B", nil))
	require.NoError(t, h.vectors.EnsureCollection(ctx, "embed.ext"))
	require.NoError(t, h.vectors.Put(ctx, "embed.ext", "img-A", []float32{0.5, 0.5}))

	report, err := h.syncer.SweepExtension(ctx, manifestWith("embed.ext", extension.CapabilityImageEmbeddings))
	require.NoError(t, err)
	require.Equal(t, Report{Enqueued: 1, Orphans: 0}, report)
	require.Equal(t, []string{"img-B"}, h.imageIDs(notify.ActionComputeEmbeddings))
}

func TestSweepImageCoversAllCapabilities(t *testing.T) {
	h := newHarness(t)
	manifest := manifestWith("full.ext",
		extension.CapabilityImageFeatures,
		extension.CapabilityImageTags,
		extension.CapabilityImageEmbeddings,
		extension.CapabilityTextEmbeddings,
	)

	h.syncer.SweepImage(context.Background(), manifest, "img-Q")

	require.Equal(t, []string{"img-Q"}, h.imageIDs(notify.ActionComputeFeatures))
	require.Equal(t, []string{"img-Q"}, h.imageIDs(notify.ActionComputeTags))
	require.Equal(t, []string{"img-Q"}, h.imageIDs(notify.ActionComputeEmbeddings))
	require.Len(t, h.collected(), 3)
}

func TestSweepExtensionsFansOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.catalog.PutImage(ctx, "img-A", nil))

	manifests := []*extension.Manifest{
		manifestWith("a.ext", extension.CapabilityImageTags),
		manifestWith("b.ext", extension.CapabilityImageTags),
		manifestWith("c.ext", extension.CapabilityImageTags),
	}
	require.NoError(t, h.syncer.SweepExtensions(ctx, manifests))
	require.Len(t, h.imageIDs(notify.ActionComputeTags), 3)
}

type failingCatalog struct {
	store.ImageCatalog
}

func (failingCatalog) ListImageIDs(context.Context) ([]string, error) {
	return nil, errors.New("catalogue offline")
}

func TestSweepExtensionsSurfacesErrors(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Destroy()

	s := New(Options{
		Catalog:  failingCatalog{},
		Features: store.NewMemoryState(),
		Tags:     store.NewMemoryState(),
		Vectors:  store.NewMemoryVectors(),
		Bus:      bus,
	})

	err := s.SweepExtensions(context.Background(),
		[]*extension.Manifest{manifestWith("x.ext", extension.CapabilityImageTags)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "catalogue offline")
}
