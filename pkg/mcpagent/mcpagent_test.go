package mcpagent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/tool"
)

type fakeTool struct {
	name     string
	desc     string
	result   map[string]any
	err      error
	gotArgs  map[string]any
	called   int
	sequence *[]string
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return f.desc }
func (f *fakeTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (f *fakeTool) Call(_ context.Context, args map[string]any) (map[string]any, error) {
	f.called++
	f.gotArgs = args
	if f.sequence != nil {
		*f.sequence = append(*f.sequence, f.name)
	}
	return f.result, f.err
}

type fakeConnector struct {
	id    string
	tools []tool.Tool
	err   error
}

func (f *fakeConnector) ID() string          { return f.id }
func (f *fakeConnector) DisplayName() string { return f.id }
func (f *fakeConnector) Close() error        { return nil }

func (f *fakeConnector) Tools(context.Context) ([]tool.Tool, error) {
	return f.tools, f.err
}

type structuredProvider struct {
	text       string
	err        error
	lastPrompt string
}

func (p *structuredProvider) Generate(context.Context, []model.Message, []model.ToolDefinition) (*model.Response, error) {
	return nil, fmt.Errorf("not used")
}

func (p *structuredProvider) GenerateStreaming(context.Context, []model.Message, []model.ToolDefinition) (<-chan model.StreamChunk, error) {
	return nil, fmt.Errorf("not used")
}

func (p *structuredProvider) GenerateStructured(_ context.Context, messages []model.Message, _ *model.StructuredOutputConfig) (*model.Response, error) {
	p.lastPrompt = messages[len(messages)-1].Content
	if p.err != nil {
		return nil, p.err
	}
	return &model.Response{Text: p.text}, nil
}

func (p *structuredProvider) ModelName() string { return "fast-model" }
func (p *structuredProvider) MaxTokens() int    { return 4096 }
func (p *structuredProvider) Close() error      { return nil }

func TestExecuteRunsSelectedToolsInOrder(t *testing.T) {
	var sequence []string
	listIssues := &fakeTool{name: "list_issues", desc: "List issues",
		result: map[string]any{"result": "3 open issues"}, sequence: &sequence}
	createIssue := &fakeTool{name: "create_issue", desc: "Create an issue",
		result: map[string]any{"result": "created VES-4"}, sequence: &sequence}
	conn := &fakeConnector{id: "linear", tools: []tool.Tool{listIssues, createIssue}}

	fast := &structuredProvider{text: `{"calls":[
		{"toolName":"create_issue","arguments":{"title":"bug"}},
		{"toolName":"list_issues","arguments":{}}
	]}`}

	out, err := New(conn, fast).Execute(context.Background(), "file a bug then show the backlog")
	require.NoError(t, err)

	assert.Equal(t, []string{"create_issue", "list_issues"}, sequence)
	assert.Equal(t, map[string]any{"title": "bug"}, createIssue.gotArgs)
	assert.Contains(t, out, "[create_issue] created VES-4")
	assert.Contains(t, out, "[list_issues] 3 open issues")
	assert.Contains(t, fast.lastPrompt, "list_issues: List issues")
}

func TestExecuteSkipsUnknownSelection(t *testing.T) {
	known := &fakeTool{name: "known", result: map[string]any{"result": "ok"}}
	conn := &fakeConnector{id: "c", tools: []tool.Tool{known}}
	fast := &structuredProvider{text: `{"calls":[
		{"toolName":"ghost"},
		{"toolName":"known"}
	]}`}

	out, err := New(conn, fast).Execute(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, "[known] ok", out)
}

func TestExecuteToolErrorIsReportedInline(t *testing.T) {
	bad := &fakeTool{name: "bad", err: fmt.Errorf("timeout")}
	conn := &fakeConnector{id: "c", tools: []tool.Tool{bad}}
	fast := &structuredProvider{text: `{"calls":[{"toolName":"bad"}]}`}

	out, err := New(conn, fast).Execute(context.Background(), "task")
	require.NoError(t, err)
	assert.Contains(t, out, "[bad] error: timeout")
}

func TestExecuteCapsSelections(t *testing.T) {
	tl := &fakeTool{name: "t", result: map[string]any{"result": "x"}}
	conn := &fakeConnector{id: "c", tools: []tool.Tool{tl}}
	fast := &structuredProvider{text: `{"calls":[
		{"toolName":"t"},{"toolName":"t"},{"toolName":"t"},{"toolName":"t"},{"toolName":"t"}
	]}`}

	_, err := New(conn, fast).Execute(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, maxSelections, tl.called)
}

func TestExecuteFailures(t *testing.T) {
	t.Run("connector error", func(t *testing.T) {
		conn := &fakeConnector{id: "c", err: fmt.Errorf("offline")}
		_, err := New(conn, &structuredProvider{}).Execute(context.Background(), "task")
		assert.Error(t, err)
	})

	t.Run("no tools", func(t *testing.T) {
		conn := &fakeConnector{id: "c"}
		_, err := New(conn, &structuredProvider{}).Execute(context.Background(), "task")
		assert.Error(t, err)
	})

	t.Run("selection invalid json", func(t *testing.T) {
		conn := &fakeConnector{id: "c", tools: []tool.Tool{&fakeTool{name: "t"}}}
		_, err := New(conn, &structuredProvider{text: "not json"}).Execute(context.Background(), "task")
		assert.Error(t, err)
	})

	t.Run("empty selection", func(t *testing.T) {
		conn := &fakeConnector{id: "c", tools: []tool.Tool{&fakeTool{name: "t"}}}
		_, err := New(conn, &structuredProvider{text: `{"calls":[]}`}).Execute(context.Background(), "task")
		assert.Error(t, err)
	})
}
