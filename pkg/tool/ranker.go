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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/run"
)

// Ranker selects which candidate fragments are relevant to the user's
// question via a deterministic secondary model call.
type Ranker struct {
	provider model.Provider
}

func NewRanker(provider model.Provider) *Ranker {
	return &Ranker{provider: provider}
}

var rankerSchema = map[string]any{
	"type":     "object",
	"required": []string{"indexes"},
	"properties": map[string]any{
		"indexes": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "integer"},
			"description": "1-based indexes of documents relevant to the question",
		},
	},
}

// Rank returns the subset of candidates the ranker keeps, in their
// original order. The behaviour on empty or failed ranker responses is
// KEEP ALL: discarding evidence on a ranker fault would starve synthesis.
func (r *Ranker) Rank(ctx context.Context, question string, candidates []*run.Fragment) []*run.Fragment {
	if len(candidates) == 0 {
		return candidates
	}
	if r == nil || r.provider == nil {
		return candidates
	}

	var b strings.Builder
	b.WriteString("Select the documents relevant to answering the user's question. ")
	b.WriteString("Return the 1-based indexes of relevant documents.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\nDocuments:\n", question)
	for i, c := range candidates {
		title := c.Source.Title
		if title == "" {
			title = c.Source.DocumentID
		}
		content := c.Content
		if len(content) > 600 {
			content = content[:600]
		}
		fmt.Fprintf(&b, "%d. %s\n%s\n\n", i+1, title, content)
	}

	zero := 0.0
	resp, err := r.provider.GenerateStructured(ctx, []model.Message{
		{Role: model.RoleUser, Content: b.String()},
	}, &model.StructuredOutputConfig{
		Name:        "document_ranking",
		Schema:      rankerSchema,
		Temperature: &zero,
	})
	if err != nil {
		slog.Warn("Document ranker call failed, keeping all candidates", "error", err)
		return candidates
	}

	var parsed struct {
		Indexes []int `json:"indexes"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		slog.Warn("Document ranker returned unparseable output, keeping all candidates", "error", err)
		return candidates
	}
	if len(parsed.Indexes) == 0 {
		return candidates
	}

	keep := make(map[int]bool, len(parsed.Indexes))
	for _, idx := range parsed.Indexes {
		if idx >= 1 && idx <= len(candidates) {
			keep[idx-1] = true
		}
	}
	if len(keep) == 0 {
		return candidates
	}

	selected := make([]*run.Fragment, 0, len(keep))
	for i, c := range candidates {
		if keep[i] {
			selected = append(selected, c)
		}
	}
	return selected
}
