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

package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/photark/extension-host/internal/config"
	"github.com/photark/extension-host/pkg/host"
	"github.com/photark/extension-host/pkg/notify"
	"github.com/photark/extension-host/pkg/store"
	"github.com/photark/extension-host/pkg/store/badgerstore"
)

// resolveConfig loads the configuration file and lays the persistent flag
// overrides on top. Commands with flags of their own apply them between
// Load and Complete via the adjust hook.
func resolveConfig(cmd *cobra.Command, adjust func(cfg *config.Config)) (*config.Config, error) {
	cfg, err := config.Load(rootOpts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Root().PersistentFlags()
	if flags.Changed("data-dir") {
		cfg.DataDir = rootOpts.dataDir
	}
	if flags.Changed("extensions-dir") {
		cfg.ExtensionsDir = rootOpts.extensionsDir
	}
	if adjust != nil {
		adjust(cfg)
	}

	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// hostEnv bundles a host with everything it needs torn down after use.
type hostEnv struct {
	host *host.Host
	bus  *notify.Bus

	closers []func()
}

// Close releases the stores and the bus. The host itself is only destroyed
// when it was started; offline commands never start it.
func (e *hostEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// buildHost wires the stores selected by the configuration into a host.
// The caller decides whether to Start it: the lifecycle commands work on
// the tree and the stores without one running.
func buildHost(cfg *config.Config, metrics *host.Metrics) (*hostEnv, error) {
	env := &hostEnv{bus: notify.NewBus()}
	env.closers = append(env.closers, env.bus.Destroy)

	var (
		catalog  store.ImageCatalog
		features store.StateStore
		tags     store.StateStore
		vectors  store.VectorStore
		settings store.SettingsStore
	)

	switch cfg.Store.Backend {
	case config.BackendBadger:
		st, err := badgerstore.Open(cfg.Store.Path, logrus.WithField("component", "store"))
		if err != nil {
			env.Close()
			return nil, err
		}
		env.closers = append(env.closers, func() {
			if err := st.Close(); err != nil {
				logrus.Errorf("closing store: %v", err)
			}
		})
		catalog = st.Catalog()
		features = st.Features()
		tags = st.Tags()
		vectors = st.Vectors()
		settings = st.Settings()
	case config.BackendMemory:
		catalog = store.NewMemoryCatalog()
		features = store.NewMemoryState()
		tags = store.NewMemoryState()
		vectors = store.NewMemoryVectors()
		settings = store.NewMemorySettings()
	}

	env.host = host.New(host.Options{
		ExtensionsDir:      cfg.ExtensionsDir,
		UnpackedDir:        cfg.UnpackedDir,
		WebServicesBaseURL: cfg.WebServicesBaseURL,
		ConnectTimeout:     cfg.ConnectTimeout.Std(),
		StopGracePeriod:    cfg.StopGracePeriod.Std(),
		Catalog:            catalog,
		Features:           features,
		Tags:               tags,
		Vectors:            vectors,
		Settings:           settings,
		Attachments:        store.NewDirAttachments(cfg.Store.AttachmentsDir),
		Bus:                env.bus,
		Metrics:            metrics,
	})
	return env, nil
}
