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

// Package tool defines the tool contract of the engine: the callable
// interface, the registry with its access filter and budget, the
// pre/post execution hooks, and the normalized result envelope.
package tool

import (
	"context"
	"encoding/json"

	"github.com/kadirpekel/vesper/pkg/run"
)

// Well-known tool names used across the engine.
const (
	NameToDoWrite        = "toDoWrite"
	NameSynthesize       = "synthesize_final_answer"
	NameSearchGlobal     = "searchGlobal"
	NameSearchKnowledge  = "searchKnowledgeBase"
	NameGmailSearch      = "gmailSearch"
	NameDriveSearch      = "googleDriveSearch"
	NameCalendarSearch   = "googleCalendarSearch"
	NameContactsSearch   = "googleContactsSearch"
	NameSlackMessages    = "getSlackRelatedMessages"
	NameFallBack         = "fall_back"
	NameListCustomAgents = "list_custom_agents"
	NameRunPublicAgent   = "run_public_agent"
)

// Tool is a capability the model can invoke during a run.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description tells the LLM when to use this tool.
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	// Returns nil if the tool takes no arguments.
	Schema() map[string]any

	// Call executes the tool. The returned map is the raw result the
	// post-execution hook normalizes into an Envelope.
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Definition is a tool description for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// Envelope is the normalized tool result. It is the only value ever fed
// back to the LLM as tool result content.
type Envelope struct {
	Status      string          `json:"status"` // success | error
	Fragments   []*run.Fragment `json:"fragments,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	CostUsd     float64         `json:"costUsd,omitempty"`
	ConnectorID string          `json:"connectorId,omitempty"`
}

// SuccessEnvelope wraps accepted fragments.
func SuccessEnvelope(fragments []*run.Fragment) *Envelope {
	return &Envelope{Status: "success", Fragments: fragments}
}

// ErrorEnvelope wraps a tool failure.
func ErrorEnvelope(code, message string) *Envelope {
	return &Envelope{Status: "error", Code: code, Message: message}
}

// LLMContent serializes the envelope for the conversation history.
func (e *Envelope) LLMContent() string {
	if e == nil {
		return "null"
	}
	data, err := json.Marshal(e)
	if err != nil {
		return `{"status":"error","code":"encode_failure"}`
	}
	return string(data)
}
