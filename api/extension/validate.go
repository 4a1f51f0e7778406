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

import (
	"fmt"
	"regexp"
	"strings"
)

// Extension ids become directory names, so they are restricted to a single
// safe path component.
var idRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidationError collects every rule a manifest breaks, so an extension
// author sees all problems at once instead of one per install attempt.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf(
		"manifest violates %d invariant(s): %s",
		len(e.Problems), strings.Join(e.Problems, "; "),
	)
}

// Validate checks the semantic rules of the manifest. It returns a
// *ValidationError naming every violated rule, or nil if the manifest is
// sound. Structural problems (bad JSON, unknown keys) are ParseManifest's
// job, not Validate's.
func (m *Manifest) Validate() error {
	errs := []string{}

	if m.ID == "" {
		errs = append(errs, "id is required")
	} else if !idRegexp.MatchString(m.ID) {
		errs = append(errs, fmt.Sprintf("id %q is not a safe path component", m.ID))
	}

	if m.Version == "" {
		errs = append(errs, "version is required")
	} else if _, err := m.SemVer(); err != nil {
		errs = append(errs, fmt.Sprintf("version %q is not valid semver", m.Version))
	}

	if m.Name == "" {
		errs = append(errs, "name is required")
	}
	if m.Description == "" {
		errs = append(errs, "description is required")
	}

	errs = append(errs, m.validateRuntimes()...)

	if len(m.Instructions) == 0 {
		errs = append(errs, "at least one instruction group is required")
	}
	commandIDs := map[string]bool{}
	for i, instruction := range m.Instructions {
		errs = append(errs, instruction.validate(i, commandIDs)...)
	}

	if m.Settings == nil {
		errs = append(errs, "settings schema is required")
	} else if err := m.Settings.Compile(); err != nil {
		errs = append(errs, fmt.Sprintf("settings schema: %v", err))
	}

	for i, surface := range m.UI {
		if !KnownUIAnchor(surface.Anchor) {
			errs = append(errs, fmt.Sprintf("ui[%d]: unknown anchor %q", i, surface.Anchor))
		}
		if surface.URL == "" {
			errs = append(errs, fmt.Sprintf("ui[%d]: url is required", i))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

func (m *Manifest) validateRuntimes() (errs []string) {
	if len(m.Runtimes) == 0 {
		errs = append(errs, "at least one runtime is required")
	}
	seen := map[string]bool{}
	for i, runtime := range m.Runtimes {
		if runtime.Environment == "" {
			errs = append(errs, fmt.Sprintf("runtimes[%d]: environment is required", i))
			continue
		}
		if seen[runtime.Environment] {
			errs = append(errs, fmt.Sprintf("runtimes[%d]: duplicate environment %q", i, runtime.Environment))
		}
		seen[runtime.Environment] = true
	}
	return errs
}

func (in *Instruction) validate(group int, commandIDs map[string]bool) (errs []string) {
	prefix := fmt.Sprintf("instructions[%d]", group)

	if len(in.Events) == 0 {
		errs = append(errs, prefix+": at least one event is required")
	}
	events := map[EventName]bool{}
	for _, event := range in.Events {
		if !KnownEvent(event) {
			errs = append(errs, fmt.Sprintf("%s: unknown event %q", prefix, event))
			continue
		}
		if events[event] {
			errs = append(errs, fmt.Sprintf("%s: duplicate event %q", prefix, event))
		}
		events[event] = true
	}

	capabilities := map[Capability]bool{}
	for _, capability := range in.Capabilities {
		if !KnownCapability(capability) {
			errs = append(errs, fmt.Sprintf("%s: unknown capability %q", prefix, capability))
			continue
		}
		if capabilities[capability] {
			errs = append(errs, fmt.Sprintf("%s: duplicate capability %q", prefix, capability))
		}
		capabilities[capability] = true

		for _, required := range capability.RequiredEvents() {
			if !events[required] {
				errs = append(errs, fmt.Sprintf(
					"%s: capability %s requires event %s in the same group",
					prefix, capability, required,
				))
			}
		}
	}

	for i, command := range in.Commands {
		errs = append(errs, command.validate(fmt.Sprintf("%s.commands[%d]", prefix, i), events, commandIDs)...)
	}

	for i, policy := range in.ThrottlingPolicies {
		errs = append(errs, policy.validate(fmt.Sprintf("%s.throttlingPolicies[%d]", prefix, i), events)...)
	}

	return errs
}

func (c *Command) validate(prefix string, events map[EventName]bool, commandIDs map[string]bool) (errs []string) {
	if c.ID == "" {
		errs = append(errs, prefix+": id is required")
	} else {
		if commandIDs[c.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate command id %q", prefix, c.ID))
		}
		commandIDs[c.ID] = true
	}

	if !KnownCommandEntity(c.On.Entity) {
		errs = append(errs, fmt.Sprintf("%s: unknown entity %q", prefix, c.On.Entity))
	} else {
		for _, required := range c.On.Entity.RequiredEvents() {
			if !events[required] {
				errs = append(errs, fmt.Sprintf(
					"%s: command on %s requires event %s in the same group",
					prefix, c.On.Entity, required,
				))
			}
		}
	}

	if c.Parameters != nil {
		if err := c.Parameters.Compile(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: parameters schema: %v", prefix, err))
		}
	}

	return errs
}

func (p *ThrottlingPolicy) validate(prefix string, events map[EventName]bool) (errs []string) {
	if len(p.Events) == 0 {
		errs = append(errs, prefix+": at least one event is required")
	}
	seen := map[EventName]bool{}
	for _, event := range p.Events {
		if !KnownEvent(event) {
			errs = append(errs, fmt.Sprintf("%s: unknown event %q", prefix, event))
			continue
		}
		if seen[event] {
			errs = append(errs, fmt.Sprintf("%s: duplicate event %q", prefix, event))
		}
		seen[event] = true
		if !events[event] {
			errs = append(errs, fmt.Sprintf(
				"%s: event %s is not subscribed by the same group", prefix, event,
			))
		}
	}

	if p.MaximumCount == 0 && p.DurationInMilliseconds == 0 {
		errs = append(errs, prefix+": one of maximumCount or durationInMilliseconds is required")
	}
	if p.MaximumCount < 0 {
		errs = append(errs, prefix+": maximumCount must be positive")
	}
	if p.DurationInMilliseconds < 0 {
		errs = append(errs, prefix+": durationInMilliseconds must be positive")
	}

	return errs
}
