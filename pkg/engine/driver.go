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

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/tool"
)

// driver owns the model conversation of one run. The system prompt is
// rebuilt before every call so it always reflects the current plan and
// the latest review.
type driver struct {
	provider    model.Provider
	instruction string
	messages    []model.Message
	seq         int
}

func newDriver(provider model.Provider, instruction, question string, images []model.ImageAttachment) *driver {
	return &driver{
		provider:    provider,
		instruction: instruction,
		messages: []model.Message{
			{Role: model.RoleUser, Content: question, Images: images},
		},
	}
}

// step makes one model call and fills in synthetic ids for tool calls
// the provider returned without one.
func (d *driver) step(ctx context.Context, state *run.State, defs []tool.Definition) (*model.Response, error) {
	system := model.Message{Role: model.RoleSystem, Content: d.systemPrompt(state, defs)}
	messages := append([]model.Message{system}, d.messages...)

	resp, err := d.provider.Generate(ctx, messages, toModelDefinitions(defs))
	if err != nil {
		return nil, err
	}

	d.seq++
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = fmt.Sprintf("synthetic-%d-%d-%d", state.TurnCount, d.seq, i)
		}
	}

	d.messages = append(d.messages, model.Message{
		Role:      model.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})

	return resp, nil
}

// recordToolResult feeds a normalized envelope back into the conversation.
func (d *driver) recordToolResult(call model.ToolCall, content string, isError bool) {
	d.messages = append(d.messages, model.Message{
		Role:       model.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	})
}

func (d *driver) systemPrompt(state *run.State, defs []tool.Definition) string {
	var b strings.Builder

	if d.instruction != "" {
		b.WriteString(d.instruction)
		b.WriteString("\n\n")
	}

	b.WriteString("You are an enterprise assistant that answers questions by planning, " +
		"calling tools to gather evidence, and finally calling synthesize_final_answer " +
		"to deliver the cited answer. Never answer substantive questions directly in " +
		"assistant text; the final answer must go through synthesize_final_answer.\n\n")

	fmt.Fprintf(&b, "Workspace: %s\n\n", state.WorkspaceID)

	b.WriteString("Current plan:\n")
	b.WriteString(state.Plan.Snapshot())
	b.WriteString("\n\n")

	if state.LastReviewJSON != "" {
		b.WriteString("Latest review of your progress:\n")
		b.WriteString(state.LastReviewJSON)
		b.WriteString("\n\n")
	}

	if len(state.AvailableAgents) > 0 {
		b.WriteString("Agents available for delegation via run_public_agent:\n")
		for _, a := range state.AvailableAgents {
			fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("Available tools:\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	b.WriteString("\n")

	b.WriteString("Before requesting tool calls you may declare what you expect them to " +
		"produce inside an <expected_results> block containing a JSON array of " +
		`{"toolName", "goal", "successCriteria", "failureSignals"?, "stopCondition"?} entries. ` +
		"Start multi-step work by writing a plan with toDoWrite. Use fall_back only " +
		"when no tool can make progress.")

	return b.String()
}

func toModelDefinitions(defs []tool.Definition) []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, model.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}
