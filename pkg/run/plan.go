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

// Package run holds the per-run state of the agent engine: the plan state
// machine, the fragment store, the expectation ledger, and the tool
// execution history. All of it is owned by a single run and mutated only
// from the orchestrator loop, so none of it carries locks.
package run

import (
	"fmt"
	"strings"
	"time"
)

// SubTaskStatus is the lifecycle state of a plan sub-task.
type SubTaskStatus string

const (
	SubTaskPending    SubTaskStatus = "pending"
	SubTaskInProgress SubTaskStatus = "in_progress"
	SubTaskCompleted  SubTaskStatus = "completed"
	SubTaskFailed     SubTaskStatus = "failed"
	SubTaskBlocked    SubTaskStatus = "blocked"
)

// SubTask is one ordered step of the plan.
type SubTask struct {
	ID            string        `json:"id"`
	Description   string        `json:"description"`
	Status        SubTaskStatus `json:"status"`
	ToolsRequired []string      `json:"toolsRequired,omitempty"`
	Result        string        `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
}

// Plan is the current goal with its ordered sub-tasks.
type Plan struct {
	Goal     string     `json:"goal"`
	SubTasks []*SubTask `json:"subTasks"`
}

// Initialize normalizes a freshly written plan: sub-tasks with no required
// tools complete immediately, and the first remaining pending task becomes
// in_progress.
func (p *Plan) Initialize() {
	now := time.Now()
	for _, st := range p.SubTasks {
		if st.Status == "" {
			st.Status = SubTaskPending
		}
		if st.Status == SubTaskPending && len(st.ToolsRequired) == 0 {
			st.Status = SubTaskCompleted
			st.CompletedAt = &now
		}
	}
	for _, st := range p.SubTasks {
		if st.Status == SubTaskPending {
			st.Status = SubTaskInProgress
			break
		}
	}
}

// ActiveSubTask returns the task work should be attributed to:
// first in_progress, else first pending, else first blocked.
func (p *Plan) ActiveSubTask() *SubTask {
	for _, status := range []SubTaskStatus{SubTaskInProgress, SubTaskPending, SubTaskBlocked} {
		for _, st := range p.SubTasks {
			if st.Status == status {
				return st
			}
		}
	}
	return nil
}

// ActiveSubTaskID returns the active task's id, or "".
func (p *Plan) ActiveSubTaskID() string {
	if st := p.ActiveSubTask(); st != nil {
		return st.ID
	}
	return ""
}

// AdvanceAfterTool transitions the active sub-task after a tool execution.
// Success completes the task when the tool is among its required tools (or
// the requirement set is empty) and promotes the next pending task. Failure
// blocks the active task without advancing.
func (p *Plan) AdvanceAfterTool(toolName string, success bool, detail string) {
	active := p.ActiveSubTask()
	if active == nil || active.Status == SubTaskCompleted {
		return
	}

	if !success {
		active.Status = SubTaskBlocked
		active.Error = detail
		return
	}

	if len(active.ToolsRequired) > 0 && !containsFold(active.ToolsRequired, toolName) {
		return
	}

	now := time.Now()
	active.Status = SubTaskCompleted
	active.CompletedAt = &now
	if detail != "" {
		active.Result = detail
	} else {
		active.Result = fmt.Sprintf("completed via %s", toolName)
	}
	active.Error = ""

	for _, st := range p.SubTasks {
		if st.Status == SubTaskPending {
			st.Status = SubTaskInProgress
			return
		}
	}
}

// AllDone reports whether no sub-task remains pending, in progress, or blocked.
func (p *Plan) AllDone() bool {
	for _, st := range p.SubTasks {
		switch st.Status {
		case SubTaskPending, SubTaskInProgress, SubTaskBlocked:
			return false
		}
	}
	return true
}

// Snapshot renders the plan for inclusion in prompts.
func (p *Plan) Snapshot() string {
	if p == nil || len(p.SubTasks) == 0 {
		return "No plan recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	for i, st := range p.SubTasks {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, st.Status, st.Description)
		if st.Error != "" {
			fmt.Fprintf(&b, " (error: %s)", st.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
