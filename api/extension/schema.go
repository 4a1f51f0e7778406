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
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaDraft is the JSON Schema dialect a manifest schema is written in.
// Only draft-07 and draft 2020-12 are accepted.
type SchemaDraft string

const (
	Draft7    SchemaDraft = "draft-07"
	Draft2020 SchemaDraft = "draft-2020-12"
)

const (
	draft7URI    = "http://json-schema.org/draft-07/schema"
	draft2020URI = "https://json-schema.org/draft/2020-12/schema"
)

// Schema is a JSON Schema embedded in a manifest, kept in its raw form
// together with the dialect it declares. Schemas with no $schema key default
// to draft-07.
type Schema struct {
	Draft SchemaDraft
	Raw   json.RawMessage

	compiled *jsonschema.Schema
}

// UnmarshalJSON captures the raw schema document and derives its draft from
// the $schema key. The document must be a JSON object.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var probe struct {
		Meta string `json:"$schema"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Wrap(err, "schema is not a JSON object")
	}

	draft := Draft7
	switch trimSchemaURI(probe.Meta) {
	case "":
		// No $schema key, default dialect.
	case draft7URI:
		draft = Draft7
	case draft2020URI:
		draft = Draft2020
	default:
		return errors.Errorf("unsupported schema dialect %q", probe.Meta)
	}

	s.Draft = draft
	s.Raw = append(json.RawMessage(nil), data...)
	s.compiled = nil
	return nil
}

// MarshalJSON writes the schema back out exactly as it was read.
func (s Schema) MarshalJSON() ([]byte, error) {
	if len(s.Raw) == 0 {
		return []byte("null"), nil
	}
	return s.Raw, nil
}

// trimSchemaURI strips the trailing fragment some documents carry on the
// draft-07 meta-schema URI ("...schema#").
func trimSchemaURI(uri string) string {
	if len(uri) > 0 && uri[len(uri)-1] == '#' {
		return uri[:len(uri)-1]
	}
	return uri
}

// Compile parses the schema with its declared dialect. The compiled form is
// cached, so repeated validations only pay the cost once.
func (s *Schema) Compile() error {
	if s.compiled != nil {
		return nil
	}
	if len(s.Raw) == 0 {
		return errors.New("empty schema")
	}

	compiler := jsonschema.NewCompiler()
	switch s.Draft {
	case Draft2020:
		compiler.Draft = jsonschema.Draft2020
	default:
		compiler.Draft = jsonschema.Draft7
	}

	const resource = "manifest:///schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader(s.Raw)); err != nil {
		return errors.Wrap(err, "adding schema resource")
	}

	compiled, err := compiler.Compile(resource)
	if err != nil {
		return errors.Wrap(err, "compiling schema")
	}

	s.compiled = compiled
	return nil
}

// Validate checks a JSON document against the schema. The document is the
// raw JSON text, not a decoded value.
func (s *Schema) Validate(doc []byte) error {
	if err := s.Compile(); err != nil {
		return err
	}

	var value interface{}
	if err := json.Unmarshal(doc, &value); err != nil {
		return errors.Wrap(err, "decoding document")
	}

	return s.compiled.Validate(value)
}

// IsEmpty reports whether the schema slot was absent from the manifest.
func (s *Schema) IsEmpty() bool {
	return s == nil || len(s.Raw) == 0
}
