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
	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/tool"
)

// EventType enumerates the events the engine emits to its consumer.
type EventType string

const (
	EventTurnStart        EventType = "turn_start"
	EventToolRequests     EventType = "tool_requests"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallEnd      EventType = "tool_call_end"
	EventTurnEnd          EventType = "turn_end"
	EventAssistantMessage EventType = "assistant_message"
	EventFinalOutput      EventType = "final_output"
	EventTokenUsage       EventType = "token_usage"
	EventReasoning        EventType = "reasoning"
	EventRunEnd           EventType = "run_end"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusDone    Status = "done"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Phase is where a run currently is in its lifecycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePlanning     Phase = "planning"
	PhaseExecuting    Phase = "executing"
	PhaseReviewing    Phase = "reviewing"
	PhaseSynthesizing Phase = "synthesizing"
	PhasePersisting   Phase = "persisting"
	PhaseDone         Phase = "done"
	PhaseError        Phase = "error"
	PhaseStopped      Phase = "stopped"
)

// Event is one unit of the engine's typed event stream. Fields beyond
// Type and Turn are populated per event type.
type Event struct {
	Type EventType
	Turn int

	// assistant_message, final_output, reasoning
	Text string

	// tool_requests
	ToolCalls []model.ToolCall

	// tool_call_start / tool_call_end
	ToolName string
	CallID   string
	Success  bool
	Skipped  bool
	Envelope *tool.Envelope

	// token_usage
	Usage model.Usage

	// run_end
	Status Status
	Err    error
}
