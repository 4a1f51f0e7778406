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

package extension

// EventName identifies one of the event kinds an extension can subscribe to.
// The set is closed: manifests naming anything else are rejected at install.
type EventName string

const (
	ProcessStarted         EventName = "ProcessStarted"
	ProcessRunCommand      EventName = "ProcessRunCommand"
	ImageCreated           EventName = "ImageCreated"
	ImageUpdated           EventName = "ImageUpdated"
	ImageDeleted           EventName = "ImageDeleted"
	ImageComputeFeatures   EventName = "ImageComputeFeatures"
	ImageComputeEmbeddings EventName = "ImageComputeEmbeddings"
	ImageComputeTags       EventName = "ImageComputeTags"
	ImageRunCommand        EventName = "ImageRunCommand"
	TextComputeEmbeddings  EventName = "TextComputeEmbeddings"
)

// AllEvents lists every member of the closed event enumeration.
var AllEvents = []EventName{
	ProcessStarted,
	ProcessRunCommand,
	ImageCreated,
	ImageUpdated,
	ImageDeleted,
	ImageComputeFeatures,
	ImageComputeEmbeddings,
	ImageComputeTags,
	ImageRunCommand,
	TextComputeEmbeddings,
}

// KnownEvent reports whether e is a member of the closed enumeration.
func KnownEvent(e EventName) bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// Capability is a declared ability of an extension to produce a class of
// outputs for images or text.
type Capability string

const (
	CapabilityImageFeatures   Capability = "ImageFeatures"
	CapabilityImageEmbeddings Capability = "ImageEmbeddings"
	CapabilityImageTags       Capability = "ImageTags"
	CapabilityTextEmbeddings  Capability = "TextEmbeddings"
)

// AllCapabilities lists every member of the closed capability enumeration.
var AllCapabilities = []Capability{
	CapabilityImageFeatures,
	CapabilityImageEmbeddings,
	CapabilityImageTags,
	CapabilityTextEmbeddings,
}

// KnownCapability reports whether c is a member of the closed enumeration.
func KnownCapability(c Capability) bool {
	for _, known := range AllCapabilities {
		if c == known {
			return true
		}
	}
	return false
}

// RequiredEvents returns the events a manifest instruction group must
// subscribe to in order to declare the capability. ProcessStarted is required
// by every capability and is included in each slice.
func (c Capability) RequiredEvents() []EventName {
	switch c {
	case CapabilityImageFeatures:
		return []EventName{ProcessStarted, ImageCreated, ImageUpdated, ImageComputeFeatures}
	case CapabilityImageEmbeddings:
		return []EventName{ProcessStarted, ImageCreated, ImageUpdated, ImageComputeEmbeddings}
	case CapabilityImageTags:
		return []EventName{ProcessStarted, ImageCreated, ImageUpdated, ImageComputeTags}
	case CapabilityTextEmbeddings:
		return []EventName{ProcessStarted, TextComputeEmbeddings}
	default:
		return nil
	}
}

// ComputeEvent returns the per-image (or per-text) compute event the
// synchronisation sweep emits for the capability.
func (c Capability) ComputeEvent() EventName {
	switch c {
	case CapabilityImageFeatures:
		return ImageComputeFeatures
	case CapabilityImageEmbeddings:
		return ImageComputeEmbeddings
	case CapabilityImageTags:
		return ImageComputeTags
	case CapabilityTextEmbeddings:
		return TextComputeEmbeddings
	default:
		return ""
	}
}

// CommandEntity says what a manifest command operates on.
type CommandEntity string

const (
	CommandOnProcess CommandEntity = "Process"
	CommandOnImage   CommandEntity = "Image"
	CommandOnImages  CommandEntity = "Images"
)

// KnownCommandEntity reports whether e is a valid command target.
func KnownCommandEntity(e CommandEntity) bool {
	switch e {
	case CommandOnProcess, CommandOnImage, CommandOnImages:
		return true
	}
	return false
}

// RequiredEvents returns the events implied by declaring a command on the
// entity: ProcessStarted always, plus the run-command event matching the
// entity.
func (e CommandEntity) RequiredEvents() []EventName {
	switch e {
	case CommandOnProcess:
		return []EventName{ProcessStarted, ProcessRunCommand}
	case CommandOnImage, CommandOnImages:
		return []EventName{ProcessStarted, ImageRunCommand}
	default:
		return nil
	}
}

// UIAnchor is a user-interface surface an extension may attach to.
type UIAnchor string

const (
	UIAnchorModal       UIAnchor = "modal"
	UIAnchorSidebar     UIAnchor = "sidebar"
	UIAnchorImageDetail UIAnchor = "imageDetail"
)

// KnownUIAnchor reports whether a is a valid UI anchor.
func KnownUIAnchor(a UIAnchor) bool {
	switch a {
	case UIAnchorModal, UIAnchorSidebar, UIAnchorImageDetail:
		return true
	}
	return false
}
