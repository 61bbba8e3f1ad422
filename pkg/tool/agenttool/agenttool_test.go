package agenttool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/run"
)

func TestListCustomAgentsFiltersPrivate(t *testing.T) {
	lister := NewListCustomAgents([]config.AgentConfig{
		{ID: "sales", Name: "Sales Analyst", Public: true, Resources: []config.AgentResourceConfig{
			{Name: "crm", Status: "ready"},
			{Name: "warehouse", Status: "syncing"},
		}},
		{ID: "internal", Name: "Internal Only", Public: false},
	}, []run.AgentBrief{
		{ID: "mcp:linear", Name: "Linear", IsMCP: true, ConnectorID: "linear"},
	})

	result, err := lister.Call(context.Background(), nil)
	require.NoError(t, err)

	agents := result["agents"].([]run.AgentBrief)
	require.Len(t, agents, 2)
	assert.Equal(t, "sales", agents[0].ID)
	assert.Equal(t, "1/2 resources ready", agents[0].ResourceSummary)
	assert.Equal(t, "mcp:linear", agents[1].ID)
	assert.True(t, agents[1].IsMCP)
	assert.Equal(t, 2, result["count"])
}

func TestListCustomAgentsNoResources(t *testing.T) {
	lister := NewListCustomAgents([]config.AgentConfig{
		{ID: "a", Public: true},
	}, nil)

	result, err := lister.Call(context.Background(), nil)
	require.NoError(t, err)
	agents := result["agents"].([]run.AgentBrief)
	assert.Equal(t, "no external resources", agents[0].ResourceSummary)
}

func delegableState() *run.State {
	state := run.NewState("chat", "", "user", "ws", "q", "m")
	state.AmbiguityResolved = true
	state.AvailableAgents = []run.AgentBrief{{ID: "sales", Name: "Sales Analyst"}}
	return state
}

func TestRunPublicAgentDelegates(t *testing.T) {
	state := delegableState()
	state.TurnCount = 3

	var gotAgent, gotTask string
	tool := NewRunPublicAgent(state, func(_ context.Context, agentID, task string) (*DelegationResult, error) {
		gotAgent, gotTask = agentID, task
		return &DelegationResult{
			Answer:  "Pipeline is up 8%.",
			CostUsd: 0.02,
			Fragments: []*run.Fragment{
				{ID: "crm-1", Content: "deal won", Source: run.Source{DocumentID: "crm-1"}},
			},
		}, nil
	})

	result, err := tool.Call(context.Background(), map[string]any{
		"agentId": "sales",
		"task":    "summarize pipeline",
	})
	require.NoError(t, err)

	assert.Equal(t, "sales", gotAgent)
	assert.Equal(t, "summarize pipeline", gotTask)
	assert.Equal(t, "Pipeline is up 8%.", result["answer"])
	assert.InDelta(t, 0.02, state.CostUsd, 1e-12)

	frags := result["data"].([]*run.Fragment)
	require.Len(t, frags, 2)
	assert.Equal(t, "agent:sales:turn-3", frags[0].ID)
	assert.Equal(t, "agent", frags[0].Source.App)
	assert.Equal(t, "crm-1", frags[1].ID)
}

func TestRunPublicAgentGuards(t *testing.T) {
	runner := func(context.Context, string, string) (*DelegationResult, error) {
		return &DelegationResult{}, nil
	}

	t.Run("ambiguity unresolved", func(t *testing.T) {
		state := delegableState()
		state.AmbiguityResolved = false
		_, err := NewRunPublicAgent(state, runner).Call(context.Background(), map[string]any{
			"agentId": "sales", "task": "t",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ambiguity")
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := NewRunPublicAgent(delegableState(), runner).Call(context.Background(), map[string]any{
			"agentId": "nope", "task": "t",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list_custom_agents")
	})

	t.Run("missing args", func(t *testing.T) {
		_, err := NewRunPublicAgent(delegableState(), runner).Call(context.Background(), map[string]any{})
		assert.Error(t, err)
	})

	t.Run("no runner", func(t *testing.T) {
		_, err := NewRunPublicAgent(delegableState(), nil).Call(context.Background(), map[string]any{
			"agentId": "sales", "task": "t",
		})
		assert.Error(t, err)
	})
}

func TestRunPublicAgentRunnerError(t *testing.T) {
	tool := NewRunPublicAgent(delegableState(), func(context.Context, string, string) (*DelegationResult, error) {
		return nil, fmt.Errorf("sub-run exhausted turns")
	})

	_, err := tool.Call(context.Background(), map[string]any{
		"agentId": "sales", "task": "t",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-run exhausted turns")
}
