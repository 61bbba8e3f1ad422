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
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/registry"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/search"
)

// MCPConnector is a connected MCP server whose tools can be exposed either
// directly or behind a virtual agent.
type MCPConnector interface {
	ID() string
	DisplayName() string
	Tools(ctx context.Context) ([]Tool, error)
	Close() error
}

// accessRequirement gates a tool on a workspace app and its sync flag.
type accessRequirement struct {
	App       search.App
	Available func(config.WorkspaceConfig) bool
}

var accessRequirements = map[string]accessRequirement{
	NameGmailSearch: {
		App:       search.AppGmail,
		Available: func(w config.WorkspaceConfig) bool { return w.GmailSynced },
	},
	NameDriveSearch: {
		App:       search.AppGoogleDrive,
		Available: func(w config.WorkspaceConfig) bool { return w.GoogleDriveSynced },
	},
	NameCalendarSearch: {
		App:       search.AppGoogleCalendar,
		Available: func(w config.WorkspaceConfig) bool { return w.GoogleCalendarSynced },
	},
	NameContactsSearch: {
		App:       search.AppGoogleWorkspace,
		Available: func(w config.WorkspaceConfig) bool { return w.GoogleWorkspaceSynced },
	},
	NameSearchKnowledge: {
		App: search.AppKnowledgeBase,
	},
	NameSlackMessages: {
		App:       search.AppSlack,
		Available: func(w config.WorkspaceConfig) bool { return w.SlackConnected },
	},
}

// BuildInput carries everything needed to assemble a per-run registry.
type BuildInput struct {
	Internal          []Tool
	Connectors        []MCPConnector
	Workspace         config.WorkspaceConfig
	AllowedApps       []string // agent restriction; empty allows all
	DelegationEnabled bool
	Budget            int // total tool budget; <=0 uses DefaultBudget
}

// DefaultBudget is the per-run cap on directly exposed tools.
const DefaultBudget = 30

// Registry is the per-run tool catalog after access filtering and budget
// enforcement.
type Registry struct {
	tools          *registry.BaseRegistry[Tool]
	schemas        map[string]*CompiledSchema
	virtualAgents  []run.AgentBrief
	mcpByConnector map[string][]Tool
	connectors     map[string]MCPConnector
}

// Build assembles the registry: filters internal tools by app access,
// resolves connector tools, and enforces the tool budget by promoting the
// largest connectors to virtual agents.
func Build(ctx context.Context, in BuildInput) (*Registry, error) {
	budget := in.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	r := &Registry{
		tools:          registry.NewBaseRegistry[Tool](),
		schemas:        make(map[string]*CompiledSchema),
		mcpByConnector: make(map[string][]Tool),
		connectors:     make(map[string]MCPConnector),
	}

	allowedApps := make(map[string]bool, len(in.AllowedApps))
	for _, app := range in.AllowedApps {
		allowedApps[app] = true
	}

	var internal []Tool
	for _, t := range in.Internal {
		if !in.DelegationEnabled &&
			(t.Name() == NameListCustomAgents || t.Name() == NameRunPublicAgent) {
			continue
		}
		if req, gated := accessRequirements[t.Name()]; gated {
			if req.Available != nil && !req.Available(in.Workspace) {
				slog.Debug("Tool removed: connector not available", "tool", t.Name())
				continue
			}
			if len(allowedApps) > 0 && !allowedApps[string(req.App)] {
				slog.Debug("Tool removed: app outside agent's allowed set", "tool", t.Name(), "app", req.App)
				continue
			}
		}
		internal = append(internal, t)
	}

	type connectorTools struct {
		connector MCPConnector
		tools     []Tool
	}
	var resolved []connectorTools
	mcpTotal := 0
	for _, c := range in.Connectors {
		tools, err := c.Tools(ctx)
		if err != nil {
			slog.Warn("Failed to list MCP connector tools, skipping connector", "connector", c.ID(), "error", err)
			continue
		}
		resolved = append(resolved, connectorTools{connector: c, tools: tools})
		mcpTotal += len(tools)
	}

	// Budget enforcement: demote the largest connectors to virtual agents
	// until the directly exposed set fits. Ties break on connector id so
	// promotion is stable across runs.
	direct := resolved
	for len(internal)+mcpTotal > budget && len(direct) > 0 {
		largest := 0
		for i := 1; i < len(direct); i++ {
			if len(direct[i].tools) > len(direct[largest].tools) ||
				(len(direct[i].tools) == len(direct[largest].tools) &&
					direct[i].connector.ID() < direct[largest].connector.ID()) {
				largest = i
			}
		}
		promoted := direct[largest]
		direct = append(direct[:largest:largest], direct[largest+1:]...)
		mcpTotal -= len(promoted.tools)

		toolNames := make([]string, 0, len(promoted.tools))
		for _, t := range promoted.tools {
			toolNames = append(toolNames, t.Name())
		}
		sort.Strings(toolNames)

		r.virtualAgents = append(r.virtualAgents, run.AgentBrief{
			ID:          "mcp:" + promoted.connector.ID(),
			Name:        promoted.connector.DisplayName(),
			Description: fmt.Sprintf("MCP connector %s exposing %d tools", promoted.connector.DisplayName(), len(promoted.tools)),
			IsMCP:       true,
			ConnectorID: promoted.connector.ID(),
		})
		r.mcpByConnector[promoted.connector.ID()] = promoted.tools
		r.connectors[promoted.connector.ID()] = promoted.connector
		slog.Info("MCP connector promoted to virtual agent",
			"connector", promoted.connector.ID(),
			"tools", len(promoted.tools))
	}
	sort.Slice(r.virtualAgents, func(i, j int) bool {
		return r.virtualAgents[i].ConnectorID < r.virtualAgents[j].ConnectorID
	})

	for _, t := range internal {
		if err := r.register(t); err != nil {
			return nil, err
		}
	}
	for _, ct := range direct {
		r.connectors[ct.connector.ID()] = ct.connector
		for _, t := range ct.tools {
			if err := r.register(t); err != nil {
				slog.Warn("Skipping conflicting MCP tool", "tool", t.Name(), "error", err)
			}
		}
	}

	return r, nil
}

func (r *Registry) register(t Tool) error {
	if err := r.tools.Register(t.Name(), t); err != nil {
		return err
	}
	compiled, err := CompileSchema(t.Name(), t.Schema())
	if err != nil {
		slog.Warn("Tool schema failed to compile, validation disabled for tool", "tool", t.Name(), "error", err)
	} else {
		r.schemas[t.Name()] = compiled
	}
	return nil
}

// Add registers an additional tool after Build, used for tools whose
// construction needs the built registry (the delegation tools see the
// promoted virtual agents).
func (r *Registry) Add(t Tool) error {
	return r.register(t)
}

// Connector returns a connector held by the registry, promoted or direct.
func (r *Registry) Connector(id string) (MCPConnector, bool) {
	c, ok := r.connectors[id]
	return c, ok
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	return r.tools.Get(name)
}

// SchemaFor returns the precompiled argument schema for a tool, which may
// be nil.
func (r *Registry) SchemaFor(name string) *CompiledSchema {
	return r.schemas[name]
}

// Definitions returns the LLM-facing catalog in name order.
func (r *Registry) Definitions() []Definition {
	tools := r.tools.List()
	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToDefinition(t))
	}
	return defs
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	return r.tools.Names()
}

// Count returns the number of directly exposed tools.
func (r *Registry) Count() int {
	return r.tools.Count()
}

// VirtualAgents returns the MCP connectors exposed as agents instead of
// direct tools.
func (r *Registry) VirtualAgents() []run.AgentBrief {
	return r.virtualAgents
}

// MCPToolsFor returns the tools of a promoted connector.
func (r *Registry) MCPToolsFor(connectorID string) []Tool {
	return r.mcpByConnector[connectorID]
}

// Close releases every connector held by the registry.
func (r *Registry) Close() error {
	var firstErr error
	for _, c := range r.connectors {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
