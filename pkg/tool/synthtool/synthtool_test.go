package synthtool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/run"
)

type streamingProvider struct {
	chunks       []model.StreamChunk
	streamErr    error
	lastMessages []model.Message
}

func (p *streamingProvider) Generate(context.Context, []model.Message, []model.ToolDefinition) (*model.Response, error) {
	return nil, fmt.Errorf("not used")
}

func (p *streamingProvider) GenerateStreaming(_ context.Context, messages []model.Message, _ []model.ToolDefinition) (<-chan model.StreamChunk, error) {
	p.lastMessages = messages
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	ch := make(chan model.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *streamingProvider) GenerateStructured(context.Context, []model.Message, *model.StructuredOutputConfig) (*model.Response, error) {
	return nil, fmt.Errorf("not used")
}

func (p *streamingProvider) ModelName() string { return "test-model" }
func (p *streamingProvider) MaxTokens() int    { return 4096 }
func (p *streamingProvider) Close() error      { return nil }

func seededState() *run.State {
	state := run.NewState("chat", "", "user", "ws", "what grew in q3?", "model")
	state.Fragments.Add(0, &run.Fragment{
		ID: "doc-1", Content: "Revenue grew 12%.", ChunkIndex: 2,
		Source: run.Source{DocumentID: "doc-1", Title: "Q3 Report"},
	})
	return state
}

func TestSynthesizerStreamsAndCompletes(t *testing.T) {
	provider := &streamingProvider{chunks: []model.StreamChunk{
		{Type: "text", Text: "Revenue grew 12%. "},
		{Type: "text", Text: "K[doc-1_3]"},
		{Type: "done", Usage: model.Usage{InputTokens: 100, OutputTokens: 20}},
	}}
	state := seededState()

	var streamed string
	synth := New(state, provider, &config.LLMProviderConfig{
		InputCostPerMTok:  3,
		OutputCostPerMTok: 15,
	}, 5, func(chunk string) error {
		streamed += chunk
		return nil
	}, nil)

	result, err := synth.Call(context.Background(), map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, "Revenue grew 12%. K[doc-1_3]", result["answer"])
	assert.Equal(t, "Revenue grew 12%. K[doc-1_3]", streamed)
	assert.True(t, state.Synthesis.Requested)
	assert.True(t, state.Synthesis.Completed)
	assert.Equal(t, "Revenue grew 12%. K[doc-1_3]", state.Synthesis.StreamedText)
	assert.True(t, state.Lock.LockedByFinalSynthesis)
	assert.Equal(t, 100, state.Tokens.InputTokens)
	assert.InDelta(t, 100.0/1e6*3+20.0/1e6*15, state.CostUsd, 1e-12)
}

func TestSynthesizerPromptCarriesCitationKeys(t *testing.T) {
	provider := &streamingProvider{chunks: []model.StreamChunk{{Type: "done"}}}
	state := seededState()
	synth := New(state, provider, nil, 5, nil, nil)

	_, err := synth.Call(context.Background(), map[string]any{"instructions": "keep it short"})
	require.NoError(t, err)

	require.Len(t, provider.lastMessages, 2)
	assert.Equal(t, model.RoleSystem, provider.lastMessages[0].Role)
	assert.Contains(t, provider.lastMessages[0].Content, "At most two citations per sentence")
	user := provider.lastMessages[1].Content
	assert.Contains(t, user, "[doc-1_3]", "chunk index is cited 1-based")
	assert.Contains(t, user, "Revenue grew 12%.")
	assert.Contains(t, user, "keep it short")
}

func TestSynthesizerRollsBackLockOnError(t *testing.T) {
	provider := &streamingProvider{chunks: []model.StreamChunk{
		{Type: "text", Text: "partial"},
		{Type: "error", Error: fmt.Errorf("upstream closed")},
	}}
	state := seededState()
	synth := New(state, provider, nil, 5, nil, nil)

	_, err := synth.Call(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream closed")
	assert.False(t, state.Lock.LockedByFinalSynthesis, "lock rolls back on failure")
	assert.False(t, state.Synthesis.Completed)
}

func TestSynthesizerRollsBackWhenStartFails(t *testing.T) {
	provider := &streamingProvider{streamErr: fmt.Errorf("connect refused")}
	state := seededState()
	synth := New(state, provider, nil, 5, nil, nil)

	_, err := synth.Call(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.False(t, state.Lock.LockedByFinalSynthesis)
}

func TestSynthesizerStreamCallbackAborts(t *testing.T) {
	provider := &streamingProvider{chunks: []model.StreamChunk{
		{Type: "text", Text: "chunk"},
	}}
	state := seededState()
	synth := New(state, provider, nil, 5, func(string) error {
		return fmt.Errorf("client went away")
	}, nil)

	_, err := synth.Call(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client went away")
	assert.False(t, state.Lock.LockedByFinalSynthesis)
}

func TestSynthesizerAttachesLoadedImages(t *testing.T) {
	provider := &streamingProvider{chunks: []model.StreamChunk{{Type: "done"}}}
	state := seededState()
	state.Fragments.AddImage(0, &run.ImageReference{FileName: "0_doc-1_3.png"})

	synth := New(state, provider, nil, 5, nil,
		func(_ context.Context, ref *run.ImageReference) (*model.ImageAttachment, error) {
			return &model.ImageAttachment{MediaType: "image/png", Data: "aGk=", Filename: ref.FileName}, nil
		})

	result, err := synth.Call(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, result["imageCount"])
	require.Len(t, provider.lastMessages[1].Images, 1)
	assert.Equal(t, "0_doc-1_3.png", provider.lastMessages[1].Images[0].Filename)
}

func TestCitationKey(t *testing.T) {
	key := CitationKey(&run.Fragment{ChunkIndex: 0, Source: run.Source{DocumentID: "doc-9"}})
	assert.Equal(t, "doc-9_1", key)
}
