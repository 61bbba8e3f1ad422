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

// Package agenttool implements the delegation tools: list_custom_agents
// discovers delegable agents, run_public_agent hands a task to one.
package agenttool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/tool"
)

// DelegationResult is what a delegated run hands back to the caller.
type DelegationResult struct {
	Answer    string
	Fragments []*run.Fragment
	CostUsd   float64
}

// SubAgentRunner executes a delegated run for the named agent. The engine
// supplies the implementation so the tool stays decoupled from it.
type SubAgentRunner func(ctx context.Context, agentID, task string) (*DelegationResult, error)

// ListCustomAgents reports the agents the run may delegate to. The
// post-execution hook installs the briefs on the run state.
type ListCustomAgents struct {
	agents  []config.AgentConfig
	virtual []run.AgentBrief
}

func NewListCustomAgents(agents []config.AgentConfig, virtual []run.AgentBrief) *ListCustomAgents {
	return &ListCustomAgents{agents: agents, virtual: virtual}
}

func (t *ListCustomAgents) Name() string { return tool.NameListCustomAgents }

func (t *ListCustomAgents) Description() string {
	return "List the custom agents available for delegation, with their capabilities and resource readiness."
}

func (t *ListCustomAgents) Schema() map[string]any {
	return tool.GenerateSchema[struct{}]()
}

func (t *ListCustomAgents) Call(_ context.Context, _ map[string]any) (map[string]any, error) {
	briefs := make([]run.AgentBrief, 0, len(t.agents)+len(t.virtual))
	for _, a := range t.agents {
		if !a.Public {
			continue
		}
		briefs = append(briefs, run.AgentBrief{
			ID:               a.ID,
			Name:             a.Name,
			Description:      a.Description,
			Capabilities:     a.Capabilities,
			Domains:          a.Domains,
			EstimatedCostUsd: a.EstimatedCostUsd,
			ResourceSummary:  resourceSummary(a.Resources),
		})
	}
	briefs = append(briefs, t.virtual...)

	return map[string]any{
		"agents": briefs,
		"count":  len(briefs),
	}, nil
}

func resourceSummary(resources []config.AgentResourceConfig) string {
	if len(resources) == 0 {
		return "no external resources"
	}
	ready := 0
	for _, r := range resources {
		if r.Status == "ready" {
			ready++
		}
	}
	return fmt.Sprintf("%d/%d resources ready", ready, len(resources))
}

type runArgs struct {
	AgentID string `json:"agentId" jsonschema:"description=Id of the agent to delegate to, from list_custom_agents"`
	Task    string `json:"task" jsonschema:"description=Self-contained task description for the agent"`
}

// RunPublicAgent delegates a task to a named agent. Delegation requires
// the reviewer to have resolved query ambiguity first, and the target
// must have been surfaced by list_custom_agents in this run.
type RunPublicAgent struct {
	state  *run.State
	runner SubAgentRunner
}

func NewRunPublicAgent(state *run.State, runner SubAgentRunner) *RunPublicAgent {
	return &RunPublicAgent{state: state, runner: runner}
}

func (t *RunPublicAgent) Name() string { return tool.NameRunPublicAgent }

func (t *RunPublicAgent) Description() string {
	return "Delegate a self-contained task to one of the available custom agents and return its findings."
}

func (t *RunPublicAgent) Schema() map[string]any {
	return tool.GenerateSchema[runArgs]()
}

func (t *RunPublicAgent) Call(ctx context.Context, rawArgs map[string]any) (map[string]any, error) {
	agentID, _ := rawArgs["agentId"].(string)
	task, _ := rawArgs["task"].(string)
	if agentID == "" || task == "" {
		return nil, fmt.Errorf("agentId and task are required")
	}
	if !t.state.AmbiguityResolved {
		return nil, fmt.Errorf("delegation requires the query ambiguity to be resolved first")
	}
	if !t.state.AgentAvailable(agentID) {
		return nil, fmt.Errorf("agent %q is not available; call list_custom_agents first", agentID)
	}
	if t.runner == nil {
		return nil, fmt.Errorf("delegation is not enabled for this run")
	}

	result, err := t.runner(ctx, agentID, task)
	if err != nil {
		return nil, fmt.Errorf("agent %q failed: %w", agentID, err)
	}
	t.state.AddCost(result.CostUsd)

	fragments := make([]*run.Fragment, 0, len(result.Fragments)+1)
	if result.Answer != "" {
		fragments = append(fragments, &run.Fragment{
			ID:      fmt.Sprintf("agent:%s:turn-%d", agentID, t.state.TurnCount),
			Content: result.Answer,
			Source: run.Source{
				DocumentID: fmt.Sprintf("agent:%s:turn-%d", agentID, t.state.TurnCount),
				Title:      fmt.Sprintf("Agent %s findings", agentID),
				App:        "agent",
				Entity:     agentID,
			},
		})
	}
	fragments = append(fragments, result.Fragments...)

	return map[string]any{
		"data":    fragments,
		"answer":  result.Answer,
		"agentId": agentID,
	}, nil
}

var (
	_ tool.Tool = (*ListCustomAgents)(nil)
	_ tool.Tool = (*RunPublicAgent)(nil)
)
