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

// Package mcpagent runs connectors that were demoted to virtual agents by
// the tool budget. Instead of exposing every connector tool to the main
// model, the fast model picks the few tools worth calling for the task
// and their outputs are concatenated into one answer.
package mcpagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/tool"
)

const maxSelections = 3

// Runner executes tasks against one MCP connector.
type Runner struct {
	connector tool.MCPConnector
	fast      model.Provider
}

func New(connector tool.MCPConnector, fast model.Provider) *Runner {
	return &Runner{connector: connector, fast: fast}
}

// selection is the fast model's verdict on which tools to invoke.
type selection struct {
	Calls []selectedCall `json:"calls"`
}

type selectedCall struct {
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments"`
	Reason    string         `json:"reason,omitempty"`
}

var selectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"calls": map[string]any{
			"type":     "array",
			"maxItems": maxSelections,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"toolName":  map[string]any{"type": "string"},
					"arguments": map[string]any{"type": "object"},
					"reason":    map[string]any{"type": "string"},
				},
				"required": []any{"toolName"},
			},
		},
	},
	"required": []any{"calls"},
}

// Execute resolves the connector's tools, asks the fast model to select
// up to three, runs them in order, and concatenates their text output.
func (r *Runner) Execute(ctx context.Context, task string) (string, error) {
	tools, err := r.connector.Tools(ctx)
	if err != nil {
		return "", fmt.Errorf("connector %s: %w", r.connector.ID(), err)
	}
	if len(tools) == 0 {
		return "", fmt.Errorf("connector %s exposes no tools", r.connector.ID())
	}

	calls, err := r.selectTools(ctx, task, tools)
	if err != nil {
		return "", err
	}
	if len(calls) == 0 {
		return "", fmt.Errorf("connector %s: no tool applies to the task", r.connector.ID())
	}

	byName := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	var out strings.Builder
	for _, call := range calls {
		t, ok := byName[call.ToolName]
		if !ok {
			slog.Warn("MCP agent selected unknown tool",
				"connector", r.connector.ID(), "tool", call.ToolName)
			continue
		}
		result, err := t.Call(ctx, call.Arguments)
		if err != nil {
			fmt.Fprintf(&out, "[%s] error: %v\n", call.ToolName, err)
			continue
		}
		fmt.Fprintf(&out, "[%s] %s\n", call.ToolName, textOf(result))
	}

	return strings.TrimSpace(out.String()), nil
}

func (r *Runner) selectTools(ctx context.Context, task string, tools []tool.Tool) ([]selectedCall, error) {
	var catalog strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&catalog, "- %s: %s\n", t.Name(), t.Description())
	}

	prompt := fmt.Sprintf(
		"Task: %s\n\nAvailable tools from the %s connector:\n%s\n"+
			"Select the 1 to %d tool calls, in execution order, that best accomplish the task. "+
			"Provide concrete arguments for each.",
		task, r.connector.DisplayName(), catalog.String(), maxSelections)

	temp := 0.0
	resp, err := r.fast.GenerateStructured(ctx, []model.Message{
		{Role: model.RoleUser, Content: prompt},
	}, &model.StructuredOutputConfig{
		Name:        "tool_selection",
		Schema:      selectionSchema,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("tool selection failed: %w", err)
	}

	var sel selection
	if err := json.Unmarshal([]byte(resp.Text), &sel); err != nil {
		return nil, fmt.Errorf("tool selection returned invalid JSON: %w", err)
	}
	if len(sel.Calls) > maxSelections {
		sel.Calls = sel.Calls[:maxSelections]
	}
	return sel.Calls, nil
}

// textOf flattens a connector result map into readable text.
func textOf(result map[string]any) string {
	if result == nil {
		return ""
	}
	if errText, ok := result["error"].(string); ok {
		return "error: " + errText
	}
	if text, ok := result["result"].(string); ok {
		return text
	}
	if texts, ok := result["results"].([]string); ok {
		return strings.Join(texts, "\n")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
