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

// Package delegate holds the delegation sub-runtime: ranking candidate
// agents for a query and shaping the state of a delegated run.
package delegate

import (
	"github.com/kadirpekel/vesper/pkg/run"
)

// MaxSubRunTurns caps how many turns a delegated run may take regardless
// of configuration.
const MaxSubRunTurns = 25

// SubRunSpec describes one delegated run derived from a parent run.
type SubRunSpec struct {
	AgentID    string
	Task       string
	ParentTurn int
	MaxTurns   int
}

// NewSubRunSpec clamps the turn allowance to MaxSubRunTurns.
func NewSubRunSpec(agentID, task string, parentTurn, maxTurns int) SubRunSpec {
	if maxTurns <= 0 || maxTurns > MaxSubRunTurns {
		maxTurns = MaxSubRunTurns
	}
	return SubRunSpec{
		AgentID:    agentID,
		Task:       task,
		ParentTurn: parentTurn,
		MaxTurns:   maxTurns,
	}
}

// Apply shapes a fresh run state for delegated execution: no nested
// delegation, ambiguity already settled by the parent's reviewer.
func (s SubRunSpec) Apply(state *run.State) {
	state.AgentID = s.AgentID
	state.Question = s.Task
	state.DelegationEnabled = false
	state.AmbiguityResolved = true
}
