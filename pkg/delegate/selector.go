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

package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/run"
)

const (
	missingResourcePenalty = 0.3
	partialResourcePenalty = 0.15
)

// ScoredAgent is one ranked delegation candidate.
type ScoredAgent struct {
	Brief  run.AgentBrief
	Score  float64
	Reason string
}

// Selector ranks delegation candidates for a query. It asks the fast
// model first and falls back to a lexical heuristic when the model is
// unavailable or returns something unusable.
type Selector struct {
	fast model.Provider
}

func NewSelector(fast model.Provider) *Selector {
	return &Selector{fast: fast}
}

type rankingResponse struct {
	Rankings []rankedAgent `json:"rankings"`
}

type rankedAgent struct {
	AgentID string  `json:"agentId"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason,omitempty"`
}

var rankingSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"rankings": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agentId": map[string]any{"type": "string"},
					"score":   map[string]any{"type": "number"},
					"reason":  map[string]any{"type": "string"},
				},
				"required": []any{"agentId", "score"},
			},
		},
	},
	"required": []any{"rankings"},
}

// Select returns candidates ranked best-first. An empty result means no
// candidate fits the query.
func (s *Selector) Select(ctx context.Context, query string, candidates []run.AgentBrief) []ScoredAgent {
	if len(candidates) == 0 {
		return nil
	}
	if s.fast != nil {
		if ranked, ok := s.selectWithModel(ctx, query, candidates); ok {
			return ranked
		}
	}
	return s.selectHeuristic(query, candidates)
}

func (s *Selector) selectWithModel(ctx context.Context, query string, candidates []run.AgentBrief) ([]ScoredAgent, bool) {
	byID := make(map[string]run.AgentBrief, len(candidates))
	var catalog strings.Builder
	for _, c := range candidates {
		byID[c.ID] = c
		fmt.Fprintf(&catalog, "- id=%s name=%q description=%q capabilities=%v domains=%v estimatedCostUsd=%.2f resources=%q\n",
			c.ID, c.Name, c.Description, c.Capabilities, c.Domains, c.EstimatedCostUsd, c.ResourceSummary)
	}

	prompt := fmt.Sprintf(
		"Query: %s\n\nCandidate agents:\n%s\n"+
			"Rank the agents by fitness for the query, best first, with scores in [0,1]. "+
			"Omit agents that do not fit at all. Return an empty rankings array if none fit.",
		query, catalog.String())

	temp := 0.0
	resp, err := s.fast.GenerateStructured(ctx, []model.Message{
		{Role: model.RoleUser, Content: prompt},
	}, &model.StructuredOutputConfig{
		Name:        "agent_ranking",
		Schema:      rankingSchema,
		Temperature: &temp,
	})
	if err != nil {
		slog.Warn("Agent ranking model call failed, using heuristic", "error", err)
		return nil, false
	}

	var ranking rankingResponse
	if err := json.Unmarshal([]byte(resp.Text), &ranking); err != nil {
		slog.Warn("Agent ranking returned invalid JSON, using heuristic", "error", err)
		return nil, false
	}

	var ranked []ScoredAgent
	for _, r := range ranking.Rankings {
		brief, ok := byID[r.AgentID]
		if !ok {
			continue
		}
		ranked = append(ranked, ScoredAgent{Brief: brief, Score: r.Score, Reason: r.Reason})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, true
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func (s *Selector) selectHeuristic(query string, candidates []run.AgentBrief) []ScoredAgent {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var ranked []ScoredAgent
	for _, c := range candidates {
		briefText := strings.Join(append([]string{c.Name, c.Description},
			append(c.Capabilities, c.Domains...)...), " ")
		overlap := overlapScore(queryTokens, tokenize(briefText))
		score := overlap - resourcePenalty(c.ResourceSummary)
		if score <= 0 {
			continue
		}
		ranked = append(ranked, ScoredAgent{
			Brief:  c,
			Score:  score,
			Reason: "lexical overlap with agent description",
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tokens[tok] = true
	}
	return tokens
}

// overlapScore is the fraction of query tokens present in the brief.
func overlapScore(query, brief map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if brief[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

var resourceReadyPattern = regexp.MustCompile(`^(\d+)/(\d+) resources ready$`)

// resourcePenalty reads the "ready/total resources ready" summary: all
// resources missing costs 0.3, a partial set costs 0.15.
func resourcePenalty(summary string) float64 {
	m := resourceReadyPattern.FindStringSubmatch(summary)
	if m == nil {
		return 0
	}
	ready, _ := strconv.Atoi(m[1])
	total, _ := strconv.Atoi(m[2])
	switch {
	case total == 0:
		return 0
	case ready == 0:
		return missingResourcePenalty
	case ready < total:
		return partialResourcePenalty
	default:
		return 0
	}
}
