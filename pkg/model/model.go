// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the LLM provider abstraction and its concrete
// Anthropic and OpenAI implementations over raw HTTP.
package model

import (
	"context"
	"fmt"

	"github.com/kadirpekel/vesper/pkg/config"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ImageAttachment is a base64-encoded image included in a message.
type ImageAttachment struct {
	MediaType string // image/png, image/jpeg
	Data      string // base64
	Filename  string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Message is one entry in a model conversation.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool result messages only
	ToolName   string     // tool result messages only
	IsError    bool       // tool result messages only
	Images     []ImageAttachment
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Response is a complete, non-streaming model turn.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// StreamChunk is one unit of a streaming model turn.
type StreamChunk struct {
	Type     string // text, tool_call, done, error
	Text     string
	ToolCall *ToolCall
	Usage    Usage
	Error    error
}

// StructuredOutputConfig requests schema-conforming JSON output.
type StructuredOutputConfig struct {
	Name   string
	Schema map[string]interface{}
	// Temperature overrides the provider default when non-nil.
	Temperature *float64
}

// Provider is a chat completion backend.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)
	GenerateStructured(ctx context.Context, messages []Message, structConfig *StructuredOutputConfig) (*Response, error)
	ModelName() string
	MaxTokens() int
	Close() error
}

// NewProviderFromConfig constructs the provider implementation named by cfg.Type.
func NewProviderFromConfig(cfg *config.LLMProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProviderFromConfig(cfg)
	case "openai":
		return NewOpenAIProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// Cost computes the dollar cost of usage given per-million-token pricing.
func Cost(u Usage, cfg *config.LLMProviderConfig) float64 {
	return float64(u.InputTokens)/1e6*cfg.InputCostPerMTok +
		float64(u.OutputTokens)/1e6*cfg.OutputCostPerMTok
}
