package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateLifecycle(t *testing.T) {
	state := NewState("chat-1", "", "user-1", "ws-1", "what happened in q3?", "claude-sonnet-4-20250514")

	require.NotEmpty(t, state.RunID)
	assert.Equal(t, 0, state.TurnCount)
	assert.True(t, state.DelegationEnabled)

	state.BeginTurn(0)
	state.Artifacts.ToolOutputs = append(state.Artifacts.ToolOutputs, &ToolOutput{ToolName: "searchGlobal", Success: true})
	state.EndTurn(0)

	state.BeginTurn(1)
	assert.Equal(t, 1, state.TurnCount)
	assert.Empty(t, state.Artifacts.ToolOutputs, "artifacts reset each turn")
}

func TestStateSynthesisLock(t *testing.T) {
	state := NewState("chat-1", "", "u", "w", "q", "m")
	state.BeginTurn(2)

	state.RequestSynthesis()
	assert.True(t, state.ReviewsLocked())
	assert.True(t, state.Synthesis.SuppressAssistantStreaming)
	assert.Equal(t, 2, state.Lock.LockedAtTurn)

	state.RollbackSynthesisLock()
	assert.False(t, state.ReviewsLocked())
	assert.False(t, state.Synthesis.Requested)
}

func TestStateCounters(t *testing.T) {
	state := NewState("c", "", "u", "w", "q", "m")

	state.AddCost(0.002)
	state.AddCost(0.001)
	state.AddLatency(1500 * time.Millisecond)
	state.AddTokens(100, 50)
	state.AddTokens(20, 10)

	assert.InDelta(t, 0.003, state.CostUsd, 1e-9)
	assert.Equal(t, int64(1500), state.LatencyMs)
	assert.Equal(t, 120, state.Tokens.InputTokens)
	assert.Equal(t, 60, state.Tokens.OutputTokens)
}

func TestStateAgentAvailable(t *testing.T) {
	state := NewState("c", "", "u", "w", "q", "m")
	assert.False(t, state.AgentAvailable("fin-reporter"))

	state.AvailableAgents = []AgentBrief{{ID: "fin-reporter", Name: "Financial Reporter"}}
	assert.True(t, state.AgentAvailable("fin-reporter"))
	assert.False(t, state.AgentAvailable("other"))
}
