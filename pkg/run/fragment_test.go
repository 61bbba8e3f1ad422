package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentStoreAddMarksSeen(t *testing.T) {
	store := NewFragmentStore()

	added := store.Add(0,
		&Fragment{ID: "frag-1", Content: "revenue grew 12%", Source: Source{DocumentID: "doc-a"}},
		&Fragment{ID: "frag-2", Content: "costs flat", Source: Source{DocumentID: "doc-b"}},
	)
	require.Len(t, added, 2)

	assert.True(t, store.Seen("frag-1"))
	assert.True(t, store.Seen("doc-a"))
	assert.Equal(t, 2, store.Count())
	assert.Len(t, store.ForTurn(0), 2)
}

func TestFragmentStoreDeduplicates(t *testing.T) {
	store := NewFragmentStore()
	store.Add(0, &Fragment{ID: "frag-1", Content: "x"})

	added := store.Add(1, &Fragment{ID: "frag-1", Content: "same again"})
	assert.Empty(t, added)
	assert.Equal(t, 1, store.Count())
}

func TestFragmentStoreMarkSeen(t *testing.T) {
	store := NewFragmentStore()
	store.MarkSeen("doc-x", "doc-y", "")

	assert.True(t, store.Seen("doc-x"))
	assert.True(t, store.Seen("doc-y"))
	assert.False(t, store.Seen(""))
	assert.ElementsMatch(t, []string{"doc-x", "doc-y"}, store.SeenDocuments())
}

func TestExtractImageFilenames(t *testing.T) {
	content := "See chart 0_doc-123_2.png and table 1_doc-456_0, plus 0_doc-123_2.png again."
	names := ExtractImageFilenames(content)
	assert.Equal(t, []string{"0_doc-123_2.png", "1_doc-456_0"}, names)

	assert.Nil(t, ExtractImageFilenames("no images here"))
}

func TestSelectImagesForSynthesis(t *testing.T) {
	store := NewFragmentStore()
	store.AddImage(0, &ImageReference{FileName: "0_a_1", AddedAtTurn: 0, SourceFragmentID: "f1"})
	store.AddImage(1, &ImageReference{FileName: "1_b_1", AddedAtTurn: 1, SourceFragmentID: "f2"})
	store.AddImage(2, &ImageReference{FileName: "2_c_1", AddedAtTurn: 2, SourceFragmentID: "f3"})
	store.AddImage(0, &ImageReference{FileName: "attachment.png", AddedAtTurn: 0, IsUserAttachment: true})

	selected := store.SelectImagesForSynthesis(3)
	require.Len(t, selected, 3)
	assert.Equal(t, "attachment.png", selected[0].FileName, "user attachments come first")
	assert.Equal(t, "2_c_1", selected[1].FileName, "then most recent first")
	assert.Equal(t, "1_b_1", selected[2].FileName)
}

func TestAddImageIgnoresDuplicates(t *testing.T) {
	store := NewFragmentStore()
	store.AddImage(0, &ImageReference{FileName: "0_a_1"})
	store.AddImage(1, &ImageReference{FileName: "0_a_1"})

	assert.Len(t, store.Images(), 1)
}
