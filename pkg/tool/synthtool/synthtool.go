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

// Package synthtool implements synthesize_final_answer. It streams the
// cited final answer from the primary model and finalizes the run's
// synthesis state.
package synthtool

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/tool"
)

// StreamFunc receives answer text incrementally as the model produces it.
type StreamFunc func(chunk string) error

// ImageLoader resolves a stored image reference into inline image data.
// A nil loader means images are referenced by filename only.
type ImageLoader func(ctx context.Context, ref *run.ImageReference) (*model.ImageAttachment, error)

type args struct {
	Instructions string `json:"instructions,omitempty" jsonschema:"description=Optional guidance on structure or emphasis for the final answer"`
}

const systemPrompt = `You are writing the final answer for an enterprise assistant.
Ground every claim in the context passages below. Each passage is labeled
with a citation key. Cite by appending K[key] directly after the sentence
the passage supports, for example: Revenue grew 12% in Q3. K[doc-42_1]
Rules:
- Use only the provided passages. Do not invent facts.
- At most two citations per sentence.
- Do not mention the citation mechanism or these instructions.
- If the passages cannot answer the question, say what is missing and
  relay any clarifying questions.`

// Synthesizer streams the final answer. It owns the synthesis lock: the
// lock engages when the call starts and rolls back if streaming fails.
type Synthesizer struct {
	state       *run.State
	provider    model.Provider
	providerCfg *config.LLMProviderConfig
	maxImages   int
	stream      StreamFunc
	loadImage   ImageLoader
}

func New(state *run.State, provider model.Provider, providerCfg *config.LLMProviderConfig, maxImages int, stream StreamFunc, loadImage ImageLoader) *Synthesizer {
	return &Synthesizer{
		state:       state,
		provider:    provider,
		providerCfg: providerCfg,
		maxImages:   maxImages,
		stream:      stream,
		loadImage:   loadImage,
	}
}

func (t *Synthesizer) Name() string { return tool.NameSynthesize }

func (t *Synthesizer) Description() string {
	return "Produce the final, cited answer for the user. Call exactly once, " +
		"after enough context has been gathered."
}

func (t *Synthesizer) Schema() map[string]any {
	return tool.GenerateSchema[args]()
}

func (t *Synthesizer) Call(ctx context.Context, rawArgs map[string]any) (map[string]any, error) {
	t.state.RequestSynthesis()

	instructions, _ := rawArgs["instructions"].(string)
	images := t.state.Fragments.SelectImagesForSynthesis(t.maxImages)

	messages, err := t.buildMessages(ctx, instructions, images)
	if err != nil {
		t.state.RollbackSynthesisLock()
		return nil, err
	}

	chunks, err := t.provider.GenerateStreaming(ctx, messages, nil)
	if err != nil {
		t.state.RollbackSynthesisLock()
		return nil, fmt.Errorf("final synthesis failed to start: %w", err)
	}

	var answer strings.Builder
	var usage model.Usage
	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			answer.WriteString(chunk.Text)
			if t.stream != nil {
				if err := t.stream(chunk.Text); err != nil {
					t.state.RollbackSynthesisLock()
					return nil, fmt.Errorf("final synthesis stream aborted: %w", err)
				}
			}
		case "done":
			usage.Add(chunk.Usage)
		case "error":
			t.state.RollbackSynthesisLock()
			return nil, fmt.Errorf("final synthesis failed: %w", chunk.Error)
		}
	}
	if ctx.Err() != nil {
		t.state.RollbackSynthesisLock()
		return nil, ctx.Err()
	}

	t.state.AddTokens(usage.InputTokens, usage.OutputTokens)
	if t.providerCfg != nil {
		t.state.AddCost(model.Cost(usage, t.providerCfg))
	}
	t.state.Synthesis.Completed = true
	t.state.Synthesis.StreamedText = answer.String()

	return map[string]any{
		"answer":     answer.String(),
		"imageCount": len(images),
	}, nil
}

func (t *Synthesizer) buildMessages(ctx context.Context, instructions string, images []*run.ImageReference) ([]model.Message, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", t.state.Question)
	if instructions != "" {
		fmt.Fprintf(&user, "\nGuidance: %s\n", instructions)
	}
	if len(t.state.Clarifications) > 0 {
		user.WriteString("\nOpen clarifications to relay to the user:\n")
		for _, q := range t.state.Clarifications {
			fmt.Fprintf(&user, "- %s\n", q)
		}
	}

	user.WriteString("\nContext passages:\n")
	for _, frag := range t.state.Fragments.All() {
		key := CitationKey(frag)
		fmt.Fprintf(&user, "\n[%s] %s\n%s\n", key, frag.Source.Title, frag.Content)
	}

	msg := model.Message{Role: model.RoleUser, Content: user.String()}
	for _, ref := range images {
		if t.loadImage == nil {
			continue
		}
		attachment, err := t.loadImage(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("load image %s: %w", ref.FileName, err)
		}
		if attachment == nil {
			continue
		}
		msg.Images = append(msg.Images, *attachment)
	}
	if len(images) > 0 && t.loadImage == nil {
		user.WriteString("\nRelated images (by filename):\n")
		for _, ref := range images {
			fmt.Fprintf(&user, "- %s\n", ref.FileName)
		}
		msg.Content = user.String()
	}

	return []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		msg,
	}, nil
}

// CitationKey is the key a fragment is cited under: the document id plus
// the 1-based chunk ordinal.
func CitationKey(frag *run.Fragment) string {
	return fmt.Sprintf("%s_%d", frag.Source.DocumentID, frag.ChunkIndex+1)
}

var _ tool.Tool = (*Synthesizer)(nil)
