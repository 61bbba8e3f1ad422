package fallbacktool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/run"
)

func TestFallBackRecordsClarifications(t *testing.T) {
	state := run.NewState("chat", "", "user", "ws", "question", "model")
	fb := New(state)

	result, err := fb.Call(context.Background(), map[string]any{
		"reason":              "no calendar access",
		"clarifyingQuestions": []any{"Which week do you mean?", ""},
	})
	require.NoError(t, err)

	assert.Equal(t, true, result["acknowledged"])
	assert.Equal(t, "no calendar access", result["reason"])
	assert.Equal(t, []string{"Which week do you mean?"}, state.Clarifications)
}

func TestFallBackRequiresReason(t *testing.T) {
	fb := New(run.NewState("chat", "", "user", "ws", "q", "m"))
	_, err := fb.Call(context.Background(), map[string]any{})
	assert.Error(t, err)
}
