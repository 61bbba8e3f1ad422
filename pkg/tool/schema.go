// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

// GenerateSchema reflects a JSON schema map from an argument struct.
// Used by tools to declare their contract from typed argument structs
// instead of hand-written schema literals.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// CompiledSchema is a tool argument schema precompiled at registry build
// time. The pre-execution hook validates against it, log-only.
type CompiledSchema struct {
	schema *santhosh.Schema
}

// CompileSchema compiles a schema map. A nil map yields a nil compiled
// schema, which validates everything.
func CompileSchema(toolName string, schemaMap map[string]any) (*CompiledSchema, error) {
	if schemaMap == nil {
		return nil, nil
	}

	data, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize schema for %s: %w", toolName, err)
	}

	compiler := santhosh.NewCompiler()
	url := fmt.Sprintf("tool://%s/schema.json", toolName)
	if err := compiler.AddResource(url, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to add schema resource for %s: %w", toolName, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", toolName, err)
	}

	return &CompiledSchema{schema: compiled}, nil
}

// Validate checks args against the schema.
func (s *CompiledSchema) Validate(args map[string]any) error {
	if s == nil || s.schema == nil {
		return nil
	}
	// Round-trip so typed values (json.Number etc.) validate uniformly.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments not serializable: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(data, &normalized); err != nil {
		return err
	}
	return s.schema.Validate(normalized)
}
