// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package review runs the LLM reviewer over a turn, a failing tool, or a
// whole run, and normalizes its verdict into a strict result type. A run
// whose final synthesis has been requested is never reviewed again.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/utils"
)

// Focus is the occasion for a review.
type Focus string

const (
	FocusTurnEnd   Focus = "turn_end"
	FocusToolError Focus = "tool_error"
	FocusRunEnd    Focus = "run_end"
)

// Outcome grades one tool call against its expectation.
type Outcome string

const (
	OutcomeMet    Outcome = "met"
	OutcomeMissed Outcome = "missed"
	OutcomeError  Outcome = "error"
)

// Recommendation is the reviewer's steer for the next turn.
type Recommendation string

const (
	RecommendProceed    Recommendation = "proceed"
	RecommendGatherMore Recommendation = "gather_more"
	RecommendClarify    Recommendation = "clarify_query"
	RecommendReplan     Recommendation = "replan"
)

// ToolFeedback is the verdict on a single tool call.
type ToolFeedback struct {
	ToolName string  `json:"toolName"`
	Outcome  Outcome `json:"outcome"`
	Summary  string  `json:"summary,omitempty"`
}

// Result is the strictly-typed reviewer verdict.
type Result struct {
	Status                 string         `json:"status"` // ok | needs_attention
	Notes                  string         `json:"notes,omitempty"`
	ToolFeedback           []ToolFeedback `json:"toolFeedback,omitempty"`
	UnmetExpectations      []string       `json:"unmetExpectations,omitempty"`
	PlanChangeNeeded       bool           `json:"planChangeNeeded"`
	Anomalies              []string       `json:"anomalies,omitempty"`
	Recommendation         Recommendation `json:"recommendation"`
	AmbiguityResolved      bool           `json:"ambiguityResolved"`
	ClarificationQuestions []string       `json:"clarificationQuestions,omitempty"`
}

// DefaultOK is the verdict used when the model's output cannot be parsed,
// so the run loop never halts on a reviewer failure.
func DefaultOK() *Result {
	return &Result{
		Status:            "ok",
		Notes:             "no notable findings",
		Recommendation:    RecommendProceed,
		AmbiguityResolved: true,
	}
}

var resultSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"status": map[string]any{"type": "string", "enum": []any{"ok", "needs_attention"}},
		"notes":  map[string]any{"type": "string"},
		"toolFeedback": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"toolName": map[string]any{"type": "string"},
					"outcome":  map[string]any{"type": "string", "enum": []any{"met", "missed", "error"}},
					"summary":  map[string]any{"type": "string"},
				},
				"required": []any{"toolName", "outcome"},
			},
		},
		"unmetExpectations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"planChangeNeeded":  map[string]any{"type": "boolean"},
		"anomalies":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"recommendation": map[string]any{
			"type": "string",
			"enum": []any{"proceed", "gather_more", "clarify_query", "replan"},
		},
		"ambiguityResolved":      map[string]any{"type": "boolean"},
		"clarificationQuestions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []any{"status", "planChangeNeeded", "recommendation", "ambiguityResolved"},
}

// Reviewer drives review calls against the fast model.
type Reviewer struct {
	provider      model.Provider
	counter       *utils.TokenCounter
	fragmentLimit int
}

// New builds a reviewer. fragmentTokens bounds how much accumulated
// fragment text is packed into the prompt.
func New(provider model.Provider, counter *utils.TokenCounter, fragmentTokens int) *Reviewer {
	if fragmentTokens <= 0 {
		fragmentTokens = 8000
	}
	return &Reviewer{provider: provider, counter: counter, fragmentLimit: fragmentTokens}
}

// Review runs one review. It returns nil when reviews are locked by final
// synthesis. The verdict is applied to the run state before returning.
func (r *Reviewer) Review(ctx context.Context, state *run.State, focus Focus) (*Result, error) {
	if state.ReviewsLocked() {
		slog.Debug("Review skipped, final synthesis requested",
			"run_id", state.RunID, "focus", string(focus), "locked_at_turn", state.Lock.LockedAtTurn)
		return nil, nil
	}

	prompt := r.buildPrompt(state, focus)
	temp := 0.0
	resp, err := r.provider.GenerateStructured(ctx, []model.Message{
		{Role: model.RoleUser, Content: prompt},
	}, &model.StructuredOutputConfig{
		Name:        "review_result",
		Schema:      resultSchema,
		Temperature: &temp,
	})

	var result *Result
	if err != nil {
		slog.Warn("Reviewer model call failed, defaulting to ok",
			"run_id", state.RunID, "focus", string(focus), "error", err)
		result = DefaultOK()
	} else {
		result = Normalize(resp.Text)
		state.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	r.apply(state, result)
	return result, nil
}

func (r *Reviewer) apply(state *run.State, result *Result) {
	state.AmbiguityResolved = result.AmbiguityResolved
	for _, q := range result.ClarificationQuestions {
		if q != "" {
			state.Clarifications = append(state.Clarifications, q)
		}
	}
	if data, err := json.Marshal(result); err == nil {
		state.LastReviewJSON = string(data)
	}
}

func (r *Reviewer) buildPrompt(state *run.State, focus Focus) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are reviewing turn %d of an enterprise assistant run (focus: %s).\n\n", state.TurnCount, focus)
	fmt.Fprintf(&b, "User question: %s\n\n", state.Question)

	b.WriteString("Plan:\n")
	b.WriteString(state.Plan.Snapshot())
	b.WriteString("\n\n")

	if len(state.Clarifications) > 0 {
		b.WriteString("Clarifications already requested:\n")
		for _, q := range state.Clarifications {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Workspace: %s (user %s)\n\n", state.WorkspaceID, state.UserID)

	b.WriteString("Tool calls this turn:\n")
	if len(state.Artifacts.ToolOutputs) == 0 {
		b.WriteString("(none)\n")
	}
	for _, out := range state.Artifacts.ToolOutputs {
		status := "ok"
		if !out.Success {
			status = "error"
		}
		fmt.Fprintf(&b, "- %s [%s]: %s\n", out.ToolName, status, out.Summary)
	}
	b.WriteString("\n")

	expectations := state.Expectations.CurrentTurn()
	if len(expectations) > 0 {
		b.WriteString("Expectations declared this turn:\n")
		for _, e := range expectations {
			fmt.Fprintf(&b, "- %s: %s (success: %s)\n", e.ToolName, e.Goal, strings.Join(e.SuccessCriteria, "; "))
		}
		b.WriteString("\n")
	}
	if unassigned := state.Expectations.Unassigned(); len(unassigned) > 0 {
		b.WriteString("Expectations never matched to a call (treat as unmet):\n")
		for _, e := range unassigned {
			fmt.Fprintf(&b, "- %s: %s\n", e.ToolName, e.Goal)
		}
		b.WriteString("\n")
	}

	b.WriteString("Evidence gathered so far:\n")
	b.WriteString(r.packFragments(state))
	b.WriteString("\n")

	fmt.Fprintf(&b, "Images collected: %d (%d this turn)\n\n",
		len(state.Fragments.Images()), len(state.Fragments.ImagesForTurn(state.TurnCount)))

	b.WriteString("Judge whether the turn advanced the plan, grade each tool call " +
		"against its expectation, list anomalies, and recommend the next step. " +
		"Set ambiguityResolved=false only if the question cannot be answered " +
		"without more input from the user.")

	return b.String()
}

func (r *Reviewer) packFragments(state *run.State) string {
	fragments := state.Fragments.All()
	if len(fragments) == 0 {
		return "(none)\n"
	}
	texts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		texts = append(texts, fmt.Sprintf("[%s] %s: %s", f.Source.DocumentID, f.Source.Title, f.Content))
	}
	if r.counter != nil {
		texts = r.counter.FitWithinLimit(texts, r.fragmentLimit)
	}
	return strings.Join(texts, "\n") + "\n"
}
