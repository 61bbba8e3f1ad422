package delegate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/run"
)

type structuredProvider struct {
	text string
	err  error
}

func (p *structuredProvider) Generate(context.Context, []model.Message, []model.ToolDefinition) (*model.Response, error) {
	return nil, fmt.Errorf("not used")
}

func (p *structuredProvider) GenerateStreaming(context.Context, []model.Message, []model.ToolDefinition) (<-chan model.StreamChunk, error) {
	return nil, fmt.Errorf("not used")
}

func (p *structuredProvider) GenerateStructured(context.Context, []model.Message, *model.StructuredOutputConfig) (*model.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &model.Response{Text: p.text}, nil
}

func (p *structuredProvider) ModelName() string { return "fast" }
func (p *structuredProvider) MaxTokens() int    { return 4096 }
func (p *structuredProvider) Close() error      { return nil }

func candidates() []run.AgentBrief {
	return []run.AgentBrief{
		{ID: "sales", Name: "Sales Analyst", Description: "pipeline and revenue analysis",
			Domains: []string{"sales"}},
		{ID: "legal", Name: "Legal Reviewer", Description: "contract review and compliance",
			Domains: []string{"legal"}},
	}
}

func TestSelectUsesModelRanking(t *testing.T) {
	fast := &structuredProvider{text: `{"rankings":[
		{"agentId":"legal","score":0.9,"reason":"contract question"},
		{"agentId":"sales","score":0.2}
	]}`}
	selector := NewSelector(fast)

	ranked := selector.Select(context.Background(), "review this NDA", candidates())
	require.Len(t, ranked, 2)
	assert.Equal(t, "legal", ranked[0].Brief.ID)
	assert.InDelta(t, 0.9, ranked[0].Score, 1e-9)
	assert.Equal(t, "contract question", ranked[0].Reason)
}

func TestSelectIgnoresUnknownIDsFromModel(t *testing.T) {
	fast := &structuredProvider{text: `{"rankings":[
		{"agentId":"ghost","score":1.0},
		{"agentId":"sales","score":0.5}
	]}`}

	ranked := NewSelector(fast).Select(context.Background(), "q", candidates())
	require.Len(t, ranked, 1)
	assert.Equal(t, "sales", ranked[0].Brief.ID)
}

func TestSelectEmptyRankingMeansNoFit(t *testing.T) {
	fast := &structuredProvider{text: `{"rankings":[]}`}
	ranked := NewSelector(fast).Select(context.Background(), "q", candidates())
	assert.Empty(t, ranked)
}

func TestSelectFallsBackToHeuristicOnModelError(t *testing.T) {
	fast := &structuredProvider{err: fmt.Errorf("rate limited")}
	ranked := NewSelector(fast).Select(context.Background(), "revenue pipeline analysis", candidates())
	require.NotEmpty(t, ranked)
	assert.Equal(t, "sales", ranked[0].Brief.ID)
}

func TestSelectFallsBackOnInvalidJSON(t *testing.T) {
	fast := &structuredProvider{text: "not json"}
	ranked := NewSelector(fast).Select(context.Background(), "contract compliance review", candidates())
	require.NotEmpty(t, ranked)
	assert.Equal(t, "legal", ranked[0].Brief.ID)
}

func TestHeuristicResourcePenalties(t *testing.T) {
	selector := NewSelector(nil)
	briefs := []run.AgentBrief{
		{ID: "ready", Name: "pipeline analysis", ResourceSummary: "2/2 resources ready"},
		{ID: "partial", Name: "pipeline analysis", ResourceSummary: "1/2 resources ready"},
		{ID: "missing", Name: "pipeline analysis", ResourceSummary: "0/2 resources ready"},
	}

	ranked := selector.Select(context.Background(), "pipeline analysis", briefs)
	require.Len(t, ranked, 3)
	assert.Equal(t, "ready", ranked[0].Brief.ID)
	assert.Equal(t, "partial", ranked[1].Brief.ID)
	assert.Equal(t, "missing", ranked[2].Brief.ID)
	assert.InDelta(t, 0.15, ranked[0].Score-ranked[1].Score, 1e-9)
	assert.InDelta(t, 0.3, ranked[0].Score-ranked[2].Score, 1e-9)
}

func TestHeuristicDropsZeroScores(t *testing.T) {
	ranked := NewSelector(nil).Select(context.Background(), "quantum chromodynamics", candidates())
	assert.Empty(t, ranked)
}

func TestSelectNoCandidates(t *testing.T) {
	assert.Nil(t, NewSelector(nil).Select(context.Background(), "q", nil))
}

func TestNewSubRunSpecClampsTurns(t *testing.T) {
	assert.Equal(t, MaxSubRunTurns, NewSubRunSpec("a", "t", 1, 0).MaxTurns)
	assert.Equal(t, MaxSubRunTurns, NewSubRunSpec("a", "t", 1, 100).MaxTurns)
	assert.Equal(t, 10, NewSubRunSpec("a", "t", 1, 10).MaxTurns)
}

func TestSubRunSpecApply(t *testing.T) {
	state := run.NewState("chat", "", "user", "ws", "parent question", "m")
	NewSubRunSpec("sales", "summarize pipeline", 2, 5).Apply(state)

	assert.Equal(t, "sales", state.AgentID)
	assert.Equal(t, "summarize pipeline", state.Question)
	assert.False(t, state.DelegationEnabled)
	assert.True(t, state.AmbiguityResolved)
}
