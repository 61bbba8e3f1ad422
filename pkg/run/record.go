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

package run

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the terminal state of one tool execution.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// ToolExecutionRecord captures one tool call for history, duplicate
// suppression, and review prompts.
type ToolExecutionRecord struct {
	ToolName         string          `json:"toolName"`
	TurnNumber       int             `json:"turnNumber"`
	CallID           string          `json:"callId"`
	Arguments        map[string]any  `json:"arguments"`
	ArgumentsJSON    string          `json:"-"`
	ExpectedResults  *Expectation    `json:"expectedResults,omitempty"`
	Status           ExecutionStatus `json:"status"`
	Error            string          `json:"error,omitempty"`
	ResultSummary    string          `json:"resultSummary,omitempty"`
	DurationMs       int64           `json:"durationMs"`
	EstimatedCostUsd float64         `json:"estimatedCostUsd"`
	StartedAt        time.Time       `json:"startedAt"`
}

// CanonicalArgs serializes arguments deterministically for byte-equality
// comparison in duplicate suppression.
func CanonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys, making the encoding canonical.
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// History is the append-only log of tool executions within one run, with
// failure accounting derived on the way in.
type History struct {
	records           []*ToolExecutionRecord
	failures          map[string]int
	consecutiveErrors map[string]int
	lastErroredTool   string
}

func NewHistory() *History {
	return &History{
		failures:          make(map[string]int),
		consecutiveErrors: make(map[string]int),
	}
}

// Append records an execution and updates failure counters.
func (h *History) Append(rec *ToolExecutionRecord) {
	if rec.ArgumentsJSON == "" {
		rec.ArgumentsJSON = CanonicalArgs(rec.Arguments)
	}
	h.records = append(h.records, rec)

	if rec.Status == ExecutionError {
		h.failures[rec.ToolName]++
		if h.lastErroredTool == rec.ToolName {
			h.consecutiveErrors[rec.ToolName]++
		} else {
			h.consecutiveErrors[rec.ToolName] = 1
		}
		h.lastErroredTool = rec.ToolName
	} else {
		h.consecutiveErrors[rec.ToolName] = 0
		if h.lastErroredTool == rec.ToolName {
			h.lastErroredTool = ""
		}
	}
}

// Records returns the full history in execution order.
func (h *History) Records() []*ToolExecutionRecord {
	return h.records
}

// ForTurn returns the records of one turn.
func (h *History) ForTurn(turn int) []*ToolExecutionRecord {
	var out []*ToolExecutionRecord
	for _, rec := range h.records {
		if rec.TurnNumber == turn {
			out = append(out, rec)
		}
	}
	return out
}

// LastSuccess returns the most recent successful record with the same tool
// name and byte-equal canonical arguments, or nil.
func (h *History) LastSuccess(toolName, argsJSON string) *ToolExecutionRecord {
	for i := len(h.records) - 1; i >= 0; i-- {
		rec := h.records[i]
		if rec.ToolName == toolName && rec.Status == ExecutionSuccess && rec.ArgumentsJSON == argsJSON {
			return rec
		}
	}
	return nil
}

// FailureCount returns how many times a tool has failed this run.
func (h *History) FailureCount(toolName string) int {
	return h.failures[toolName]
}

// ConsecutiveErrors returns the current same-tool error streak.
func (h *History) ConsecutiveErrors(toolName string) int {
	return h.consecutiveErrors[toolName]
}
