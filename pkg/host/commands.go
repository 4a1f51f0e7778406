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

package host

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/dispatch"
	"github.com/photark/extension-host/pkg/notify"
)

// ErrForbidden rejects command invocations whose calling context is bound
// to a different extension than the one named. Nothing is dispatched.
var ErrForbidden = errors.New("forbidden")

// CommandInvocation is the payload an extension receives for a run-command
// event.
type CommandInvocation struct {
	CommandID  string          `json:"commandId"`
	ImageIDs   []string        `json:"imageIds,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// RunImageCommand dispatches a manifest command targeting images. The
// calling context's bound extension id must equal the named extension.
func (h *Host) RunImageCommand(ctx context.Context, callerID, extensionID, commandID string, imageIDs []string, params json.RawMessage) error {
	cmd, err := h.authoriseCommand(callerID, extensionID, commandID)
	if err != nil {
		return err
	}
	if cmd.On.Entity != extension.CommandOnImage && cmd.On.Entity != extension.CommandOnImages {
		return errors.Errorf("command %s targets %s, not images", commandID, cmd.On.Entity)
	}
	if err := validateCommandParameters(cmd, params); err != nil {
		return err
	}

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityImage,
		Action:      notify.ActionRunCommand,
		ExtensionID: extensionID,
		Payload: CommandInvocation{
			CommandID:  commandID,
			ImageIDs:   imageIDs,
			Parameters: params,
		},
	})
	return nil
}

// RunProcessCommand dispatches a manifest command targeting the
// extension's process itself.
func (h *Host) RunProcessCommand(ctx context.Context, callerID, extensionID, commandID string, params json.RawMessage) error {
	cmd, err := h.authoriseCommand(callerID, extensionID, commandID)
	if err != nil {
		return err
	}
	if cmd.On.Entity != extension.CommandOnProcess {
		return errors.Errorf("command %s targets %s, not the process", commandID, cmd.On.Entity)
	}
	if err := validateCommandParameters(cmd, params); err != nil {
		return err
	}

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityProcess,
		Action:      notify.ActionRunCommand,
		ExtensionID: extensionID,
		Payload: CommandInvocation{
			CommandID:  commandID,
			Parameters: params,
		},
	})
	return nil
}

// authoriseCommand enforces the binding between the calling context and
// the named extension before anything is looked up or dispatched.
func (h *Host) authoriseCommand(callerID, extensionID, commandID string) (*extension.Command, error) {
	if callerID != extensionID {
		return nil, errors.Wrapf(ErrForbidden,
			"command %s of %s invoked by a context bound to %s", commandID, extensionID, callerID)
	}

	ext, err := h.registry.Get(extensionID)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, errors.Wrapf(ErrNotInstalled, "extension %s", extensionID)
	}
	if ext.Paused {
		return nil, errors.Wrapf(ErrPaused, "extension %s", extensionID)
	}

	cmd := ext.Manifest.FindCommand(commandID)
	if cmd == nil {
		return nil, errors.Errorf("extension %s declares no command %q", extensionID, commandID)
	}
	return cmd, nil
}

func validateCommandParameters(cmd *extension.Command, params json.RawMessage) error {
	if cmd.Parameters.IsEmpty() || len(params) == 0 {
		return nil
	}
	return errors.Wrapf(cmd.Parameters.Validate(params), "command %s parameters", cmd.ID)
}

// UpdateSettings validates a settings document against the manifest's
// schema, persists it, and pushes it to the extension's live socket.
func (h *Host) UpdateSettings(ctx context.Context, id string, doc []byte) error {
	ext, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	if ext == nil {
		return errors.Wrapf(ErrNotInstalled, "extension %s", id)
	}

	if !ext.Manifest.Settings.IsEmpty() {
		if err := ext.Manifest.Settings.Validate(doc); err != nil {
			return errors.Wrap(err, "settings document")
		}
	}
	if err := h.opts.Settings.Put(ctx, id, doc); err != nil {
		return errors.Wrap(err, "persisting settings")
	}

	h.bus.Emit(notify.Event{
		Entity:      notify.EntityExtension,
		Action:      notify.ActionSettingsUpdated,
		ExtensionID: id,
		Payload:     json.RawMessage(doc),
	})
	h.logger.WithField("extension", id).Info("settings updated")
	return nil
}

// RunCapability resolves a capability query against the first provider in
// sort order, waiting for its connection if necessary.
func (h *Host) RunCapability(ctx context.Context, capability extension.Capability, payload any) (*dispatch.Result, error) {
	return h.dispatcher.RunCapability(ctx, capability, payload)
}
