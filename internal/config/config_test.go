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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exthost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWithoutFileYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config differs from defaults: %s", diff)
	}
	require.Empty(t, cfg.DataDir, "dataDir resolves in Complete, not Load")
}

func TestLoadReadsFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
dataDir: /var/lib/photark
unpackedDir: /src/extensions
listenAddress: 0.0.0.0:9000
connectTimeout: 30s
stopGracePeriod: 500ms
store:
  backend: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/photark", cfg.DataDir)
	require.Equal(t, "/src/extensions", cfg.UnpackedDir)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	require.Equal(t, 30*time.Second, cfg.ConnectTimeout.Std())
	require.Equal(t, 500*time.Millisecond, cfg.StopGracePeriod.Std())
	require.Equal(t, BackendMemory, cfg.Store.Backend)

	// Keys the file does not mention keep their defaults.
	require.Equal(t, DefaultWebServicesBaseURL, cfg.WebServicesBaseURL)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "extensionDir: /oops\n")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "extensionDir")
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, "connectTimeout: soon\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestCompleteDerivesPathsFromDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/photark"
	require.NoError(t, cfg.Complete())

	require.Equal(t, "/var/lib/photark/extensions", cfg.ExtensionsDir)
	require.Equal(t, "/var/lib/photark/store", cfg.Store.Path)
	require.Equal(t, "/var/lib/photark/attachments", cfg.Store.AttachmentsDir)
}

func TestCompleteKeepsExplicitPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/photark"
	cfg.ExtensionsDir = "/srv/ext"
	cfg.Store.Path = "/srv/store"
	require.NoError(t, cfg.Complete())

	require.Equal(t, "/srv/ext", cfg.ExtensionsDir)
	require.Equal(t, "/srv/store", cfg.Store.Path)
}

func TestCompleteMemoryBackendNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/photark"
	cfg.Store.Backend = BackendMemory
	require.NoError(t, cfg.Complete())
	require.Empty(t, cfg.Store.Path)
}

func TestCompleteRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/photark"
	cfg.Store.Backend = "etcd"

	err := cfg.Complete()
	require.Error(t, err)
	require.Contains(t, err.Error(), "etcd")
}

func TestCompleteRestoresZeroDurations(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/photark"
	cfg.ConnectTimeout = 0
	cfg.StopGracePeriod = -1
	require.NoError(t, cfg.Complete())

	require.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout.Std())
	require.Equal(t, DefaultStopGracePeriod, cfg.StopGracePeriod.Std())
}
