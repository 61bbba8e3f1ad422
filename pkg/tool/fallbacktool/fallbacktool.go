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

// Package fallbacktool implements fall_back, the escape hatch the model
// calls when it cannot make progress with the available tools.
package fallbacktool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/tool"
)

type args struct {
	Reason    string   `json:"reason" jsonschema:"description=Why no other tool can make progress"`
	Questions []string `json:"clarifyingQuestions,omitempty" jsonschema:"description=Questions the user should answer to unblock the run"`
}

// FallBack records why the run stalled and surfaces clarifying questions
// on the run state so the synthesizer can relay them to the user.
type FallBack struct {
	state *run.State
}

func New(state *run.State) *FallBack {
	return &FallBack{state: state}
}

func (t *FallBack) Name() string { return tool.NameFallBack }

func (t *FallBack) Description() string {
	return "Use only when no other tool can make progress. State the reason and, " +
		"if applicable, the clarifying questions the user must answer."
}

func (t *FallBack) Schema() map[string]any {
	return tool.GenerateSchema[args]()
}

func (t *FallBack) Call(_ context.Context, rawArgs map[string]any) (map[string]any, error) {
	reason, _ := rawArgs["reason"].(string)
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}

	var questions []string
	if raw, ok := rawArgs["clarifyingQuestions"].([]any); ok {
		for _, q := range raw {
			if s, ok := q.(string); ok && s != "" {
				questions = append(questions, s)
			}
		}
	}
	t.state.Clarifications = append(t.state.Clarifications, questions...)

	return map[string]any{
		"acknowledged":        true,
		"reason":              reason,
		"clarifyingQuestions": questions,
	}, nil
}

var _ tool.Tool = (*FallBack)(nil)
