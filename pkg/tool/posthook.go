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
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/vesper/pkg/run"
)

// ExecutionInput carries everything the post-hook needs about one
// completed tool call.
type ExecutionInput struct {
	ToolName    string
	CallID      string
	Args        map[string]any
	Result      map[string]any
	Err         error
	Expectation *run.Expectation
	Turn        int
	StartedAt   time.Time
	Duration    time.Duration
	CostUsd     float64
}

// PostHook records outcomes, advances the plan, ranks and stores returned
// fragments, extracts image references, applies tool-specific side
// effects, and emits the normalized envelope.
type PostHook struct {
	ranker *Ranker
}

func NewPostHook(ranker *Ranker) *PostHook {
	return &PostHook{ranker: ranker}
}

// Process runs the post-execution pipeline. The returned envelope is nil
// when no fragments were accepted; the engine renders nil as "null".
func (h *PostHook) Process(ctx context.Context, state *run.State, in ExecutionInput) *Envelope {
	rec := &run.ToolExecutionRecord{
		ToolName:         in.ToolName,
		TurnNumber:       in.Turn,
		CallID:           in.CallID,
		Arguments:        in.Args,
		ExpectedResults:  in.Expectation,
		Status:           run.ExecutionSuccess,
		DurationMs:       in.Duration.Milliseconds(),
		EstimatedCostUsd: in.CostUsd,
		StartedAt:        in.StartedAt,
	}

	success := in.Err == nil
	detail := ""
	if !success {
		rec.Status = run.ExecutionError
		rec.Error = in.Err.Error()
		detail = rec.Error
	}

	state.History.Append(rec)
	state.AddLatency(in.Duration)
	state.AddCost(in.CostUsd)
	state.Plan.AdvanceAfterTool(in.ToolName, success, detail)

	if !success {
		state.Artifacts.ToolOutputs = append(state.Artifacts.ToolOutputs, &run.ToolOutput{
			ToolName: in.ToolName,
			CallID:   in.CallID,
			Summary:  rec.Error,
			Success:  false,
		})
		return ErrorEnvelope("execution_failure", rec.Error)
	}

	h.applySideEffects(state, in)

	candidates := extractFragments(in.Result)

	// Drop anything the run has already gathered.
	fresh := candidates[:0]
	for _, c := range candidates {
		if c.ID == "" || state.Fragments.Seen(c.ID) || state.Fragments.Seen(c.Source.DocumentID) {
			continue
		}
		fresh = append(fresh, c)
	}

	accepted := fresh
	if len(fresh) > 0 {
		accepted = h.ranker.Rank(ctx, state.Question, fresh)
	}

	stored := state.Fragments.Add(in.Turn, accepted...)
	for _, f := range stored {
		state.Artifacts.Fragments = append(state.Artifacts.Fragments, f)
		for _, name := range run.ExtractImageFilenames(f.Content) {
			ref := &run.ImageReference{
				FileName:         name,
				AddedAtTurn:      in.Turn,
				SourceFragmentID: f.ID,
				SourceToolName:   in.ToolName,
			}
			state.Fragments.AddImage(in.Turn, ref)
			state.Artifacts.Images = append(state.Artifacts.Images, ref)
		}
	}

	summary := fmt.Sprintf("%d fragments accepted", len(stored))
	rec.ResultSummary = summary
	state.Artifacts.ToolOutputs = append(state.Artifacts.ToolOutputs, &run.ToolOutput{
		ToolName: in.ToolName,
		CallID:   in.CallID,
		Summary:  summary,
		Success:  true,
	})

	if len(stored) == 0 {
		return nil
	}
	return SuccessEnvelope(stored)
}

// applySideEffects handles the tools whose results mutate run state beyond
// fragments.
func (h *PostHook) applySideEffects(state *run.State, in ExecutionInput) {
	switch in.ToolName {
	case NameToDoWrite:
		if rawPlan, ok := in.Result["plan"]; ok {
			plan := &run.Plan{}
			if err := decodeInto(rawPlan, plan); err != nil {
				slog.Warn("toDoWrite returned undecodable plan", "error", err)
				return
			}
			plan.Initialize()
			state.Plan = plan
		}

	case NameListCustomAgents:
		if rawAgents, ok := in.Result["agents"]; ok {
			var agents []run.AgentBrief
			if err := decodeInto(rawAgents, &agents); err != nil {
				slog.Warn("list_custom_agents returned undecodable agents", "error", err)
				return
			}
			state.AvailableAgents = agents
		}

	case NameSynthesize:
		state.RequestSynthesis()
	}
}

// extractFragments pulls candidate fragments out of a raw tool result:
// first result.data (array or {fragments}), else result.metadata.contexts.
func extractFragments(result map[string]any) []*run.Fragment {
	if result == nil {
		return nil
	}

	if data, ok := result["data"]; ok {
		if frags := decodeFragments(data); frags != nil {
			return frags
		}
		if m, ok := data.(map[string]any); ok {
			if frags := decodeFragments(m["fragments"]); frags != nil {
				return frags
			}
		}
	}

	if meta, ok := result["metadata"].(map[string]any); ok {
		if frags := decodeFragments(meta["contexts"]); frags != nil {
			return frags
		}
	}

	return nil
}

func decodeFragments(raw any) []*run.Fragment {
	if raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []*run.Fragment:
		return v
	case []any, []map[string]any:
		var frags []*run.Fragment
		if err := decodeInto(v, &frags); err != nil {
			slog.Warn("Undecodable fragment list in tool result", "error", err)
			return nil
		}
		return frags
	default:
		return nil
	}
}

// decodeInto maps loosely typed tool results onto domain structs using
// their json tags.
func decodeInto(raw any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
