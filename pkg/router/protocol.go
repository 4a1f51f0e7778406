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

package router

import (
	"encoding/json"

	"github.com/photark/extension-host/api/extension"
)

// Frame is the envelope every socket message travels in, both directions.
// Extensions authenticate every frame with their per-run api key.
type Frame struct {
	ExtensionID string          `json:"extensionId"`
	APIKey      string          `json:"apiKey,omitempty"`
	ContextID   string          `json:"contextId,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// ConnectionInfo is the body of the opening frame on the connection
// channel. An extension sends isOpen=false to announce a clean shutdown.
type ConnectionInfo struct {
	IsOpen      bool   `json:"isOpen"`
	SDKVersion  string `json:"sdkVersion,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// SettingsEvent is the wire channel settings documents are pushed on, at
// connect and whenever they change. It is not a subscribable manifest
// event; every extension receives it.
const SettingsEvent extension.EventName = "Settings"

// EventMessage is the body of a host-to-extension frame on the events
// channel. ExpectsReply asks the extension to answer on the same context
// identifier.
type EventMessage struct {
	Channel      extension.EventName `json:"channel"`
	ContextID    string              `json:"contextId"`
	Milliseconds int64               `json:"milliseconds"`
	Value        any                 `json:"value,omitempty"`
	ExpectsReply bool                `json:"expectsReply,omitempty"`
}

// LogRecord is an extension log line relayed to the host.
type LogRecord struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Acknowledgment confirms receipt of an event. Best effort, never gates
// dispatch.
type Acknowledgment struct {
	Success bool `json:"success"`
}

// IntentKind names the user-facing interaction an extension may launch.
type IntentKind string

const (
	IntentParameters IntentKind = "parameters"
	IntentUI         IntentKind = "ui"
	IntentDialog     IntentKind = "dialog"
	IntentImages     IntentKind = "images"
	IntentShow       IntentKind = "show"
)

// IntentRequest carries exactly one intent payload, selected by key.
type IntentRequest struct {
	Parameters json.RawMessage `json:"parameters,omitempty"`
	UI         json.RawMessage `json:"ui,omitempty"`
	Dialog     json.RawMessage `json:"dialog,omitempty"`
	Images     json.RawMessage `json:"images,omitempty"`
	Show       json.RawMessage `json:"show,omitempty"`
}

// Kind returns which intent payload is present.
func (r *IntentRequest) Kind() (IntentKind, bool) {
	switch {
	case r.Parameters != nil:
		return IntentParameters, true
	case r.UI != nil:
		return IntentUI, true
	case r.Dialog != nil:
		return IntentDialog, true
	case r.Images != nil:
		return IntentImages, true
	case r.Show != nil:
		return IntentShow, true
	}
	return "", false
}

// Payload returns the raw payload of whichever intent kind is present.
func (r *IntentRequest) Payload() json.RawMessage {
	switch {
	case r.Parameters != nil:
		return r.Parameters
	case r.UI != nil:
		return r.UI
	case r.Dialog != nil:
		return r.Dialog
	case r.Images != nil:
		return r.Images
	default:
		return r.Show
	}
}

// IntentReply answers an intent. Exactly one branch is set.
type IntentReply struct {
	Value  json.RawMessage `json:"value,omitempty"`
	Cancel bool            `json:"cancel,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// inboundBody is the probe shape for extension-to-host frames. A frame
// whose body sets none of the channel keys but arrives on a pending
// context is a callback reply carrying value or error.
type inboundBody struct {
	Connection     *ConnectionInfo `json:"connection,omitempty"`
	Log            *LogRecord      `json:"log,omitempty"`
	Notification   json.RawMessage `json:"notification,omitempty"`
	Acknowledgment *Acknowledgment `json:"acknowledgment,omitempty"`
	Intent         *IntentRequest  `json:"intent,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
	Error          string          `json:"error,omitempty"`
}
