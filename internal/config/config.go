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

// Package config loads the extension host's YAML configuration file. Every
// key has a default, the file itself is optional, and command line flags
// override whatever the file says.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultListenAddress binds the extension socket, metrics and health
	// endpoints to the loopback interface only. Extensions are local
	// child processes; nothing here is meant for the network.
	DefaultListenAddress = "127.0.0.1:7071"

	// DefaultWebServicesBaseURL is where extension children reach the
	// main Photark API. Handed to every child via its parameters file.
	DefaultWebServicesBaseURL = "http://127.0.0.1:7070/api/v1"

	// DefaultConnectTimeout bounds how long a freshly started extension
	// may take to present its socket.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultStopGracePeriod is how long a child gets between SIGTERM
	// and SIGKILL.
	DefaultStopGracePeriod = 5 * time.Second

	defaultHomeName = ".photark"
)

// Store backends.
const (
	// BackendBadger persists every store under the store path.
	BackendBadger = "badger"
	// BackendMemory keeps every store in process memory. Nothing
	// survives a restart; meant for development.
	BackendMemory = "memory"
)

// Config is the host configuration. Path fields that derive from DataDir
// are resolved by Complete, not before.
type Config struct {
	// ExtensionsDir is the root of the installed-extensions tree.
	// Default <dataDir>/extensions.
	ExtensionsDir string `yaml:"extensionsDir"`

	// UnpackedDir, when set, is scanned and watched for live-developed
	// extensions. Empty disables the watcher.
	UnpackedDir string `yaml:"unpackedDir"`

	// DataDir anchors every derived path. Default ~/.photark.
	DataDir string `yaml:"dataDir"`

	ListenAddress      string `yaml:"listenAddress"`
	WebServicesBaseURL string `yaml:"webServicesBaseURL"`

	ConnectTimeout  Duration `yaml:"connectTimeout"`
	StopGracePeriod Duration `yaml:"stopGracePeriod"`

	Store StoreConfig `yaml:"store"`
}

// StoreConfig selects where catalog rows, computed state, embeddings and
// settings live.
type StoreConfig struct {
	// Backend is "badger" (default) or "memory".
	Backend string `yaml:"backend"`
	// Path is the badger directory. Default <dataDir>/store.
	Path string `yaml:"path"`
	// AttachmentsDir is where extension attachments are filed.
	// Default <dataDir>/attachments.
	AttachmentsDir string `yaml:"attachmentsDir"`
}

// Duration parses the usual "10s" / "500ms" notation out of YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration an empty file yields. DataDir and the
// paths hanging off it stay empty until Complete.
func Default() *Config {
	return &Config{
		ListenAddress:      DefaultListenAddress,
		WebServicesBaseURL: DefaultWebServicesBaseURL,
		ConnectTimeout:     Duration(DefaultConnectTimeout),
		StopGracePeriod:    Duration(DefaultStopGracePeriod),
		Store:              StoreConfig{Backend: BackendBadger},
	}
}

// Load reads the YAML file at path over the defaults. An empty path means
// defaults only; unknown keys are an error. Callers apply their flag
// overrides and then Complete.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// Complete resolves the paths that derive from DataDir and validates the
// fields that cannot default.
func (c *Config) Complete() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "resolving home directory for dataDir")
		}
		c.DataDir = filepath.Join(home, defaultHomeName)
	}
	if c.ExtensionsDir == "" {
		c.ExtensionsDir = filepath.Join(c.DataDir, "extensions")
	}

	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.WebServicesBaseURL == "" {
		c.WebServicesBaseURL = DefaultWebServicesBaseURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = Duration(DefaultStopGracePeriod)
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = BackendBadger
		fallthrough
	case BackendBadger:
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(c.DataDir, "store")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.AttachmentsDir == "" {
		c.Store.AttachmentsDir = filepath.Join(c.DataDir, "attachments")
	}
	return nil
}
