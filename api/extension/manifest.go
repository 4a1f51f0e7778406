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

// Package extension defines the manifest format third-party extensions ship
// with, the closed enumerations it draws from, and the validation rules the
// host applies before anything in an archive is trusted.
package extension

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// ManifestFileName is the file every extension must carry at its root.
const ManifestFileName = "manifest.json"

// Manifest is the contract an extension declares: who it is, what runtimes
// it needs, which events it consumes and what it can produce.
type Manifest struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author,omitempty"`

	Runtimes     []Runtime     `json:"runtimes"`
	Instructions []Instruction `json:"instructions"`

	// Settings describes the extension's configurable settings. The host
	// validates user-supplied settings documents against it before they are
	// handed to the extension.
	Settings *Schema `json:"settings"`

	UI []UISurface `json:"ui,omitempty"`
}

// Runtime names an interpreter family the extension's child process needs,
// for example "node" or "python".
type Runtime struct {
	Environment string `json:"environment"`
}

// Instruction groups an event subscription with the capabilities, commands
// and throttling policies that ride on it. Capability and command
// requirements are checked against the events of the same group, never
// across groups.
type Instruction struct {
	Events             []EventName        `json:"events"`
	Capabilities       []Capability       `json:"capabilities,omitempty"`
	Commands           []Command          `json:"commands,omitempty"`
	ThrottlingPolicies []ThrottlingPolicy `json:"throttlingPolicies,omitempty"`
}

// Command is a user-invokable operation the extension offers.
type Command struct {
	ID   string        `json:"id"`
	Name string        `json:"name,omitempty"`
	On   CommandTarget `json:"on"`

	// Parameters optionally constrains the arguments a caller may pass.
	Parameters *Schema `json:"parameters,omitempty"`
}

// CommandTarget says what entity a command runs against, optionally narrowed
// to entities carrying all of the listed tags.
type CommandTarget struct {
	Entity   CommandEntity `json:"entity"`
	WithTags []string      `json:"withTags,omitempty"`
}

// ThrottlingPolicy limits how fast the host may deliver the named events to
// the extension. At least one of MaximumCount and DurationInMilliseconds
// must be set; see Scheduler for how the two combine.
type ThrottlingPolicy struct {
	Events                 []EventName `json:"events"`
	MaximumCount           int         `json:"maximumCount,omitempty"`
	DurationInMilliseconds int64       `json:"durationInMilliseconds,omitempty"`
}

// UISurface attaches an extension-served page to one of the product's UI
// anchors.
type UISurface struct {
	Anchor UIAnchor `json:"anchor"`
	URL    string   `json:"url"`
}

// ParseManifest decodes manifest JSON. Unknown keys and type mismatches are
// rejected here; semantic rules live in Validate.
func ParseManifest(data []byte) (*Manifest, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	manifest := &Manifest{}
	if err := decoder.Decode(manifest); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	return manifest, nil
}

// LoadManifest reads and decodes dir/manifest.json.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return ParseManifest(data)
}

// SemVer parses the manifest's version field.
func (m *Manifest) SemVer() (*semver.Version, error) {
	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing version %q", m.Version)
	}
	return version, nil
}

// Events returns the union of the events of every instruction group, in
// first-seen order.
func (m *Manifest) Events() []EventName {
	seen := map[EventName]bool{}
	union := []EventName{}
	for _, instruction := range m.Instructions {
		for _, event := range instruction.Events {
			if !seen[event] {
				seen[event] = true
				union = append(union, event)
			}
		}
	}
	return union
}

// Capabilities returns the union of the capabilities of every instruction
// group, in first-seen order.
func (m *Manifest) Capabilities() []Capability {
	seen := map[Capability]bool{}
	union := []Capability{}
	for _, instruction := range m.Instructions {
		for _, capability := range instruction.Capabilities {
			if !seen[capability] {
				seen[capability] = true
				union = append(union, capability)
			}
		}
	}
	return union
}

// HasCapability reports whether any instruction group declares c.
func (m *Manifest) HasCapability(c Capability) bool {
	for _, instruction := range m.Instructions {
		for _, capability := range instruction.Capabilities {
			if capability == c {
				return true
			}
		}
	}
	return false
}

// SubscribesTo reports whether any instruction group subscribes to e.
func (m *Manifest) SubscribesTo(e EventName) bool {
	for _, instruction := range m.Instructions {
		for _, event := range instruction.Events {
			if event == e {
				return true
			}
		}
	}
	return false
}

// Commands returns every command of every instruction group, in declaration
// order.
func (m *Manifest) Commands() []Command {
	commands := []Command{}
	for _, instruction := range m.Instructions {
		commands = append(commands, instruction.Commands...)
	}
	return commands
}

// FindCommand returns the command with the given id, or nil.
func (m *Manifest) FindCommand(id string) *Command {
	for _, instruction := range m.Instructions {
		for i := range instruction.Commands {
			if instruction.Commands[i].ID == id {
				return &instruction.Commands[i]
			}
		}
	}
	return nil
}
