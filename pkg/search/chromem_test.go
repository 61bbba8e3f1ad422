package search

import (
	"context"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticEmbedding maps known words onto fixed axes so similarity is
// deterministic without a real embedding model.
func staticEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 3)
	for i, word := range []string{"revenue", "calendar", "slack"} {
		if containsWord(text, word) {
			vec[i] = 1
		}
	}
	// Avoid the zero vector, which cosine similarity cannot handle.
	if vec[0] == 0 && vec[1] == 0 && vec[2] == 0 {
		vec[0] = 0.001
	}
	return vec, nil
}

func containsWord(text, word string) bool {
	for i := 0; i+len(word) <= len(text); i++ {
		if text[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

func newTestProvider(t *testing.T) *ChromemProvider {
	t.Helper()
	p, err := NewChromemProvider(ChromemConfig{Embedding: staticEmbedding})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.Index(context.Background(),
		Document{ID: "doc-1", Title: "Q3 report", Content: "revenue grew", App: AppGoogleDrive, ChunkIndex: 0},
		Document{ID: "doc-2", Title: "Board meeting", Content: "calendar entry", App: AppGoogleCalendar},
		Document{ID: "doc-3", Title: "Finance thread", Content: "revenue discussion", App: AppSlack},
	))
	return p
}

func TestChromemSearch(t *testing.T) {
	p := newTestProvider(t)

	docs, err := p.Search(context.Background(), Query{Text: "revenue", Limit: 2})
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.LessOrEqual(t, len(docs), 2)
	for _, d := range docs {
		assert.Contains(t, []string{"doc-1", "doc-3"}, d.ID)
	}
}

func TestChromemSearchAppFilter(t *testing.T) {
	p := newTestProvider(t)

	docs, err := p.Search(context.Background(), Query{
		Text:  "revenue",
		Apps:  []App{AppSlack},
		Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-3", docs[0].ID)
	assert.Equal(t, AppSlack, docs[0].App)
}

func TestChromemSearchExcludedIDs(t *testing.T) {
	p := newTestProvider(t)

	docs, err := p.Search(context.Background(), Query{
		Text:        "revenue",
		ExcludedIDs: []string{"doc-1"},
		Limit:       5,
	})
	require.NoError(t, err)
	for _, d := range docs {
		assert.NotEqual(t, "doc-1", d.ID)
	}
}

func TestChromemSearchEmptyIndex(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{Embedding: staticEmbedding})
	require.NoError(t, err)
	defer p.Close()

	docs, err := p.Search(context.Background(), Query{Text: "anything"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

var _ chromem.EmbeddingFunc = staticEmbedding
