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
	"context"
	"time"

	"github.com/google/uuid"
)

// AgentBrief summarizes one agent available for delegation, either
// pre-configured or a promoted MCP connector.
type AgentBrief struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Domains          []string `json:"domains,omitempty"`
	EstimatedCostUsd float64  `json:"estimatedCostUsd,omitempty"`
	ResourceSummary  string   `json:"resourceSummary,omitempty"`
	IsMCP            bool     `json:"isMcp,omitempty"`
	ConnectorID      string   `json:"connectorId,omitempty"`
}

// FinalSynthesisState tracks the terminal synthesis step of a run.
type FinalSynthesisState struct {
	Requested                  bool
	Completed                  bool
	SuppressAssistantStreaming bool
	StreamedText               string
	AckReceived                bool
}

// ReviewLock is the latch that disables further reviews once final
// synthesis has been requested.
type ReviewLock struct {
	LockedByFinalSynthesis bool
	LockedAtTurn           int
}

// TokenUsage accumulates token counters across all model calls of a run.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// ToolOutput is the per-turn record of a normalized tool result envelope.
type ToolOutput struct {
	ToolName string
	CallID   string
	Summary  string
	Success  bool
}

// TurnArtifacts collects what the in-progress turn produced. It is reset
// at every turn start and folded into the run-wide stores at turn end.
type TurnArtifacts struct {
	Fragments   []*Fragment
	ToolOutputs []*ToolOutput
	Images      []*ImageReference
}

// State is the complete mutable state of one agent run. It is owned by the
// orchestrator loop; hooks and tools receive it by reference and are
// invoked synchronously, so there is no locking.
type State struct {
	RunID       string
	ChatID      string
	AgentID     string
	UserID      string
	WorkspaceID string
	Question    string
	ModelID     string

	TurnCount int

	Plan         *Plan
	Fragments    *FragmentStore
	Expectations *Ledger
	History      *History
	Artifacts    *TurnArtifacts

	Synthesis FinalSynthesisState
	Lock      ReviewLock

	AvailableAgents   []AgentBrief
	AmbiguityResolved bool
	DelegationEnabled bool

	Clarifications []string

	CostUsd        float64
	LatencyMs      int64
	Tokens         TokenUsage
	StartedAt      time.Time
	LastReviewJSON string

	cancel context.CancelFunc
}

// NewState creates run state for a fresh user turn.
func NewState(chatID, agentID, userID, workspaceID, question, modelID string) *State {
	return &State{
		RunID:             uuid.NewString(),
		ChatID:            chatID,
		AgentID:           agentID,
		UserID:            userID,
		WorkspaceID:       workspaceID,
		Question:          question,
		ModelID:           modelID,
		Plan:              &Plan{},
		Fragments:         NewFragmentStore(),
		Expectations:      NewLedger(),
		History:           NewHistory(),
		Artifacts:         &TurnArtifacts{},
		DelegationEnabled: true,
		StartedAt:         time.Now(),
	}
}

// BindCancel attaches the run's cancellation handle.
func (s *State) BindCancel(cancel context.CancelFunc) {
	s.cancel = cancel
}

// Cancel aborts the run if a handle is bound.
func (s *State) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// BeginTurn resets per-turn artifacts and flushes buffered expectations.
func (s *State) BeginTurn(turn int) {
	s.TurnCount = turn
	s.Artifacts = &TurnArtifacts{}
	s.Expectations.StartTurn(turn)
}

// EndTurn folds the turn's expectations into history. Fragments and images
// are already stored as they arrive; the artifact list only scopes them to
// the turn for review prompts.
func (s *State) EndTurn(turn int) {
	s.Expectations.RecordForTurn(turn)
}

// AddCost accumulates dollar cost.
func (s *State) AddCost(usd float64) {
	s.CostUsd += usd
}

// AddLatency accumulates wall-clock tool and model latency.
func (s *State) AddLatency(d time.Duration) {
	s.LatencyMs += d.Milliseconds()
}

// AddTokens accumulates token usage.
func (s *State) AddTokens(input, output int) {
	s.Tokens.InputTokens += input
	s.Tokens.OutputTokens += output
}

// RequestSynthesis sets the synthesis-requested flag and engages the
// review lock at the current turn.
func (s *State) RequestSynthesis() {
	s.Synthesis.Requested = true
	s.Synthesis.SuppressAssistantStreaming = true
	s.Lock.LockedByFinalSynthesis = true
	s.Lock.LockedAtTurn = s.TurnCount
}

// RollbackSynthesisLock releases the review lock after a failed synthesis
// so the engine may recover and synthesize again.
func (s *State) RollbackSynthesisLock() {
	s.Synthesis.Requested = false
	s.Synthesis.SuppressAssistantStreaming = false
	s.Lock.LockedByFinalSynthesis = false
	s.Lock.LockedAtTurn = 0
}

// ReviewsLocked reports whether reviews must be skipped.
func (s *State) ReviewsLocked() bool {
	return s.Lock.LockedByFinalSynthesis
}

// AgentAvailable reports whether agentID appears in the list populated by
// the most recent list_custom_agents call.
func (s *State) AgentAvailable(agentID string) bool {
	for _, a := range s.AvailableAgents {
		if a.ID == agentID {
			return true
		}
	}
	return false
}
