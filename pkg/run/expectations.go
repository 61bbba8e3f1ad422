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
	"log/slog"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Expectation is a declared, measurable criterion the planner attaches to
// an upcoming tool call.
type Expectation struct {
	ToolName        string   `json:"toolName"`
	Goal            string   `json:"goal"`
	SuccessCriteria []string `json:"successCriteria"`
	FailureSignals  []string `json:"failureSignals,omitempty"`
	StopCondition   string   `json:"stopCondition,omitempty"`

	AssignedCallID string `json:"-"`
}

var expectedResultsPattern = regexp.MustCompile(`(?s)<expected_results>(.*?)</expected_results>`)

const expectationSchemaJSON = `{
	"type": "object",
	"required": ["toolName", "goal", "successCriteria"],
	"properties": {
		"toolName": {"type": "string", "minLength": 1},
		"goal": {"type": "string", "minLength": 1},
		"successCriteria": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"failureSignals": {"type": "array", "items": {"type": "string"}},
		"stopCondition": {"type": "string"}
	}
}`

var expectationSchema = jsonschema.MustCompileString("expectation.json", expectationSchemaJSON)

// Ledger tracks expectations through their lifecycle: extracted from
// assistant text, assigned FIFO to tool calls, and recorded per turn.
// Expectations extracted before the first turn starts are buffered and
// flushed into that turn's history exactly once.
type Ledger struct {
	pending     []*Expectation
	buffered    []*Expectation
	currentTurn []*Expectation
	byTurn      map[int][]*Expectation
	turnStarted bool
}

func NewLedger() *Ledger {
	return &Ledger{byTurn: make(map[int][]*Expectation)}
}

// Extract parses every <expected_results> block in text. Blocks contain
// either a bare JSON array of expectations or {"toolExpectations": [...]}.
// Entries failing schema validation are dropped with a warning.
func (l *Ledger) Extract(text string) []*Expectation {
	var extracted []*Expectation

	for _, match := range expectedResultsPattern.FindAllStringSubmatch(text, -1) {
		payload := strings.TrimSpace(match[1])
		if payload == "" {
			continue
		}

		for _, raw := range decodeExpectationEntries(payload) {
			if err := expectationSchema.Validate(raw); err != nil {
				slog.Warn("Dropping invalid expectation entry", "error", err)
				continue
			}
			entryJSON, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			exp := &Expectation{}
			if err := json.Unmarshal(entryJSON, exp); err != nil {
				slog.Warn("Dropping undecodable expectation entry", "error", err)
				continue
			}
			extracted = append(extracted, exp)
		}
	}

	if len(extracted) == 0 {
		return nil
	}

	l.pending = append(l.pending, extracted...)
	if l.turnStarted {
		l.currentTurn = append(l.currentTurn, extracted...)
	} else {
		l.buffered = append(l.buffered, extracted...)
	}
	return extracted
}

func decodeExpectationEntries(payload string) []interface{} {
	var arr []interface{}
	if err := json.Unmarshal([]byte(payload), &arr); err == nil {
		return arr
	}

	var wrapper struct {
		ToolExpectations []interface{} `json:"toolExpectations"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapper); err == nil && wrapper.ToolExpectations != nil {
		return wrapper.ToolExpectations
	}

	slog.Warn("Unparseable expected_results block", "payload", payload)
	return nil
}

// StartTurn flushes pre-run buffered expectations into the first turn's
// history. Safe to call every turn; the flush happens once.
func (l *Ledger) StartTurn(turn int) {
	if !l.turnStarted {
		l.turnStarted = true
		if len(l.buffered) > 0 {
			l.byTurn[turn] = append(l.byTurn[turn], l.buffered...)
			l.currentTurn = append(l.currentTurn, l.buffered...)
			l.buffered = nil
		}
	}
}

// Assign pops the first pending expectation whose tool name matches,
// case-insensitively, and marks it assigned to callID.
func (l *Ledger) Assign(toolName, callID string) *Expectation {
	for i, exp := range l.pending {
		if strings.EqualFold(exp.ToolName, toolName) {
			exp.AssignedCallID = callID
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return exp
		}
	}
	return nil
}

// RecordForTurn finalizes the current turn's expectations into history and
// resets the per-turn list.
func (l *Ledger) RecordForTurn(turn int) {
	if len(l.currentTurn) > 0 {
		l.byTurn[turn] = append(l.byTurn[turn], l.currentTurn...)
		l.currentTurn = nil
	}
}

// CurrentTurn returns the expectations extracted during the in-progress turn.
func (l *Ledger) CurrentTurn() []*Expectation {
	return l.currentTurn
}

// ForTurn returns the expectation history of a turn.
func (l *Ledger) ForTurn(turn int) []*Expectation {
	return l.byTurn[turn]
}

// Unassigned returns expectations never matched to a tool call. These are
// surfaced to the reviewer as unmet.
func (l *Ledger) Unassigned() []*Expectation {
	out := make([]*Expectation, 0, len(l.pending))
	out = append(out, l.pending...)
	return out
}
