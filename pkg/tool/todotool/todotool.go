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

// Package todotool implements toDoWrite, the planner's tool for creating
// and updating the run's to-do plan.
package todotool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/tool"
)

// subTaskArg is one plan entry as the model writes it.
type subTaskArg struct {
	ID            string   `json:"id" jsonschema:"description=Stable sub-task identifier"`
	Description   string   `json:"description" jsonschema:"description=What this step accomplishes"`
	Status        string   `json:"status,omitempty" jsonschema:"description=pending | in_progress | completed | failed | blocked"`
	ToolsRequired []string `json:"toolsRequired,omitempty" jsonschema:"description=Tool names this step depends on"`
}

type args struct {
	Goal     string       `json:"goal" jsonschema:"description=Overall goal of the plan"`
	Merge    bool         `json:"merge,omitempty" jsonschema:"description=Merge with the existing plan instead of replacing it"`
	SubTasks []subTaskArg `json:"subTasks" jsonschema:"description=Ordered plan steps"`
}

// ToDoWrite writes the run plan. The post-execution hook picks the plan
// out of the result and installs it on the run state.
type ToDoWrite struct {
	state *run.State
}

func New(state *run.State) *ToDoWrite {
	return &ToDoWrite{state: state}
}

func (t *ToDoWrite) Name() string { return tool.NameToDoWrite }

func (t *ToDoWrite) Description() string {
	return "Create or update the execution plan as an ordered to-do list. " +
		"Use merge=true to update selected sub-tasks while keeping the rest."
}

func (t *ToDoWrite) Schema() map[string]any {
	return tool.GenerateSchema[args]()
}

func (t *ToDoWrite) Call(ctx context.Context, rawArgs map[string]any) (map[string]any, error) {
	parsed, err := decodeArgs(rawArgs)
	if err != nil {
		return nil, err
	}
	if len(parsed.SubTasks) == 0 {
		return nil, fmt.Errorf("subTasks is required and must not be empty")
	}

	subTasks := make([]*run.SubTask, 0, len(parsed.SubTasks))
	for i, st := range parsed.SubTasks {
		if st.Description == "" {
			return nil, fmt.Errorf("subTasks[%d]: description is required", i)
		}
		id := st.ID
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		subTasks = append(subTasks, &run.SubTask{
			ID:            id,
			Description:   st.Description,
			Status:        run.SubTaskStatus(st.Status),
			ToolsRequired: st.ToolsRequired,
		})
	}

	plan := &run.Plan{Goal: parsed.Goal, SubTasks: subTasks}
	if parsed.Merge && t.state.Plan != nil && len(t.state.Plan.SubTasks) > 0 {
		plan = mergePlans(t.state.Plan, plan)
	}

	return map[string]any{
		"plan":  plan,
		"count": len(plan.SubTasks),
	}, nil
}

// mergePlans overlays incoming sub-tasks onto the existing plan by id.
// Completed tasks keep their status; unknown ids are appended in order.
func mergePlans(existing, incoming *run.Plan) *run.Plan {
	merged := &run.Plan{Goal: incoming.Goal}
	if merged.Goal == "" {
		merged.Goal = existing.Goal
	}

	byID := make(map[string]*run.SubTask, len(incoming.SubTasks))
	for _, st := range incoming.SubTasks {
		byID[st.ID] = st
	}

	seen := make(map[string]bool)
	for _, old := range existing.SubTasks {
		if update, ok := byID[old.ID]; ok {
			seen[old.ID] = true
			if old.Status == run.SubTaskCompleted {
				merged.SubTasks = append(merged.SubTasks, old)
				continue
			}
			merged.SubTasks = append(merged.SubTasks, update)
			continue
		}
		merged.SubTasks = append(merged.SubTasks, old)
	}
	for _, st := range incoming.SubTasks {
		if !seen[st.ID] {
			merged.SubTasks = append(merged.SubTasks, st)
		}
	}
	return merged
}

func decodeArgs(raw map[string]any) (*args, error) {
	parsed := &args{}
	if goal, ok := raw["goal"].(string); ok {
		parsed.Goal = goal
	}
	if merge, ok := raw["merge"].(bool); ok {
		parsed.Merge = merge
	}
	rawTasks, ok := raw["subTasks"].([]any)
	if !ok {
		return nil, fmt.Errorf("subTasks must be an array")
	}
	for i, rawTask := range rawTasks {
		m, ok := rawTask.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("subTasks[%d] must be an object", i)
		}
		st := subTaskArg{}
		st.ID, _ = m["id"].(string)
		st.Description, _ = m["description"].(string)
		st.Status, _ = m["status"].(string)
		if tools, ok := m["toolsRequired"].([]any); ok {
			for _, tn := range tools {
				if s, ok := tn.(string); ok {
					st.ToolsRequired = append(st.ToolsRequired, s)
				}
			}
		}
		parsed.SubTasks = append(parsed.SubTasks, st)
	}
	return parsed, nil
}

var _ tool.Tool = (*ToDoWrite)(nil)
