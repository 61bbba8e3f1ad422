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

// Package config defines the vesper configuration model and its loader.
//
// Configuration is YAML, loaded via koanf with ${ENV_VAR} expansion.
// Every section follows the SetDefaults/Validate convention: defaults are
// applied first, then validation runs against the completed struct.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Logging       LoggingConfig            `yaml:"logging"`
	LLM           LLMConfig                `yaml:"llm"`
	Engine        EngineConfig             `yaml:"engine"`
	Workspace     WorkspaceConfig          `yaml:"workspace"`
	Connectors    []MCPConnectorConfig     `yaml:"connectors"`
	Agents        []AgentConfig            `yaml:"agents"`
	Storage       StorageConfig            `yaml:"storage"`
	Auth          AuthConfig               `yaml:"auth"`
	Observability ObservabilityConfig      `yaml:"observability"`
	KnowledgeBase KnowledgeBaseConfig      `yaml:"knowledge_base"`
	Providers     map[string]LLMProviderConfig `yaml:"providers"`
}

// ServerConfig configures the HTTP/SSE server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got %d", c.Port)
	}
	return nil
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// LLMProviderConfig configures a single provider endpoint.
type LLMProviderConfig struct {
	Type        string  `yaml:"type"` // anthropic, openai
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"` // seconds
	MaxRetries  int     `yaml:"max_retries"`
	// Cost per million tokens, used for run cost accounting.
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Host == "" {
		switch c.Type {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "openai":
			c.Host = "https://api.openai.com"
		}
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported llm provider type: %s (supported: anthropic, openai)", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	return nil
}

// LLMConfig names which configured providers serve which role.
// Primary drives the turn loop and synthesis; Fast serves the document
// ranker, reviewer, agent selector and MCP tool selection.
type LLMConfig struct {
	Primary string `yaml:"primary"`
	Fast    string `yaml:"fast"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Primary == "" {
		c.Primary = "primary"
	}
	if c.Fast == "" {
		c.Fast = c.Primary
	}
}

// EngineConfig bounds a single run of the execution engine.
type EngineConfig struct {
	MaxTurns int `yaml:"max_turns"`
	// MaxDelegationTurns bounds sub-agent runs spawned via delegation.
	MaxDelegationTurns int `yaml:"max_delegation_turns"`
	// ToolBudget caps the number of directly exposed tools; overflowing MCP
	// connectors are re-classified as virtual agents.
	ToolBudget int `yaml:"tool_budget"`
	// DuplicateWindow is how long a successful call suppresses an identical one.
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	// FailureBudget is how many failures block a tool for the rest of the run.
	FailureBudget int `yaml:"failure_budget"`
	// MaxSynthesisImages caps images attached to the final synthesis prompt.
	MaxSynthesisImages int `yaml:"max_synthesis_images"`
	// ReviewFragmentTokens budgets fragments included in review prompts.
	ReviewFragmentTokens int `yaml:"review_fragment_tokens"`
}

func (c *EngineConfig) SetDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 12
	}
	if c.MaxDelegationTurns == 0 {
		c.MaxDelegationTurns = 25
	}
	if c.ToolBudget == 0 {
		c.ToolBudget = 30
	}
	if c.DuplicateWindow == 0 {
		c.DuplicateWindow = 60 * time.Second
	}
	if c.FailureBudget == 0 {
		c.FailureBudget = 3
	}
	if c.MaxSynthesisImages == 0 {
		c.MaxSynthesisImages = 5
	}
	if c.ReviewFragmentTokens == 0 {
		c.ReviewFragmentTokens = 8000
	}
}

func (c *EngineConfig) Validate() error {
	if c.MaxDelegationTurns > 25 {
		return fmt.Errorf("max_delegation_turns cannot exceed 25, got %d", c.MaxDelegationTurns)
	}
	return nil
}

// WorkspaceConfig describes which workspace apps are synced into the
// search index, plus credentials for live connectors.
type WorkspaceConfig struct {
	GmailSynced           bool   `yaml:"gmail_synced"`
	GoogleDriveSynced     bool   `yaml:"google_drive_synced"`
	GoogleCalendarSynced  bool   `yaml:"google_calendar_synced"`
	GoogleWorkspaceSynced bool   `yaml:"google_workspace_synced"`
	SlackConnected        bool   `yaml:"slack_connected"`
	SlackToken            string `yaml:"slack_token"`
}

// MCPConnectorConfig configures one MCP server connection.
type MCPConnectorConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"` // stdio, streamable-http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Tools     []string          `yaml:"tools"` // filter; empty exposes all
}

func (c *MCPConnectorConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connector id is required")
	}
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("connector %s: either url or command is required", c.ID)
	}
	return nil
}

// AgentResourceConfig names a resource an agent needs and whether it is ready.
type AgentResourceConfig struct {
	Name   string `yaml:"name"`
	Status string `yaml:"status"` // ready, partial, missing
}

// AgentConfig describes a pre-configured agent available for delegation.
type AgentConfig struct {
	ID               string                `yaml:"id"`
	Name             string                `yaml:"name"`
	Description      string                `yaml:"description"`
	Instruction      string                `yaml:"instruction"`
	AllowedApps      []string              `yaml:"allowed_apps"`
	Capabilities     []string              `yaml:"capabilities"`
	Domains          []string              `yaml:"domains"`
	EstimatedCostUsd float64               `yaml:"estimated_cost_usd"`
	Public           bool                  `yaml:"public"`
	Resources        []AgentResourceConfig `yaml:"resources"`
}

func (c *AgentConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("agent %s: name is required", c.ID)
	}
	return nil
}

// StorageConfig selects the chat/message/trace store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite, postgres, inmemory
	DSN     string `yaml:"dsn"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "inmemory"
	}
	if c.Backend == "sqlite" && c.DSN == "" {
		c.DSN = ".vesper/vesper.db"
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "sqlite", "postgres", "inmemory":
		return nil
	default:
		return fmt.Errorf("unsupported storage backend: %s (supported: sqlite, postgres, inmemory)", c.Backend)
	}
}

// AuthConfig configures optional JWT validation on the chat endpoint.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

func (c *AuthConfig) Validate() error {
	if c.Enabled && c.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required when auth is enabled")
	}
	return nil
}

// ObservabilityConfig enables metrics and tracing.
type ObservabilityConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	TraceStdout bool   `yaml:"trace_stdout"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "vesper"
	}
}

// KnowledgeBaseConfig configures the embedded knowledge base store.
type KnowledgeBaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // persistence dir, empty = in-memory
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.LLM.SetDefaults()
	c.Engine.SetDefaults()
	c.Storage.SetDefaults()
	c.Observability.SetDefaults()
	for name, p := range c.Providers {
		p.SetDefaults()
		c.Providers[name] = p
	}
}

// Validate checks the completed configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	if len(c.Providers) > 0 {
		if _, ok := c.Providers[c.LLM.Primary]; !ok {
			return fmt.Errorf("llm.primary references unknown provider %q", c.LLM.Primary)
		}
		if _, ok := c.Providers[c.LLM.Fast]; !ok {
			return fmt.Errorf("llm.fast references unknown provider %q", c.LLM.Fast)
		}
	}
	seen := map[string]bool{}
	for i := range c.Connectors {
		if err := c.Connectors[i].Validate(); err != nil {
			return err
		}
		if seen[c.Connectors[i].ID] {
			return fmt.Errorf("duplicate connector id %q", c.Connectors[i].ID)
		}
		seen[c.Connectors[i].ID] = true
	}
	for i := range c.Agents {
		if err := c.Agents[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AgentByID looks up a configured agent, matching ids case-insensitively.
func (c *Config) AgentByID(id string) (*AgentConfig, bool) {
	for i := range c.Agents {
		if strings.EqualFold(c.Agents[i].ID, id) {
			return &c.Agents[i], true
		}
	}
	return nil, false
}
