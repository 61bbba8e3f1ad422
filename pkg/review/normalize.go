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

package review

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Normalize parses reviewer output into a Result, tolerating the common
// model mistakes: markdown fences, string-typed booleans, unknown enum
// values. Unparseable output degrades to DefaultOK.
func Normalize(text string) *Result {
	cleaned := stripFences(text)

	var raw map[string]any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		slog.Warn("Review output is not valid JSON, defaulting to ok", "error", err)
		return DefaultOK()
	}

	result := &Result{
		Status:            normalizeStatus(stringOf(raw["status"])),
		Notes:             stringOf(raw["notes"]),
		UnmetExpectations: stringsOf(raw["unmetExpectations"]),
		PlanChangeNeeded:  boolOf(raw["planChangeNeeded"]),
		Anomalies:         stringsOf(raw["anomalies"]),
		Recommendation:    normalizeRecommendation(stringOf(raw["recommendation"])),
		// Missing ambiguityResolved means the reviewer saw no ambiguity.
		AmbiguityResolved:      boolOrDefault(raw, "ambiguityResolved", true),
		ClarificationQuestions: stringsOf(raw["clarificationQuestions"]),
	}

	if feedback, ok := raw["toolFeedback"].([]any); ok {
		for _, item := range feedback {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := stringOf(m["toolName"])
			if name == "" {
				continue
			}
			result.ToolFeedback = append(result.ToolFeedback, ToolFeedback{
				ToolName: name,
				Outcome:  normalizeOutcome(stringOf(m["outcome"])),
				Summary:  stringOf(m["summary"]),
			})
		}
	}

	return result
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	return strings.TrimSpace(trimmed)
}

func normalizeStatus(s string) string {
	if strings.EqualFold(s, "needs_attention") {
		return "needs_attention"
	}
	return "ok"
}

func normalizeRecommendation(s string) Recommendation {
	switch Recommendation(strings.ToLower(s)) {
	case RecommendGatherMore:
		return RecommendGatherMore
	case RecommendClarify:
		return RecommendClarify
	case RecommendReplan:
		return RecommendReplan
	default:
		return RecommendProceed
	}
}

func normalizeOutcome(s string) Outcome {
	switch Outcome(strings.ToLower(s)) {
	case OutcomeMissed:
		return OutcomeMissed
	case OutcomeError:
		return OutcomeError
	default:
		return OutcomeMet
	}
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func stringsOf(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func boolOf(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}

func boolOrDefault(raw map[string]any, key string, def bool) bool {
	v, ok := raw[key]
	if !ok || v == nil {
		return def
	}
	return boolOf(v)
}
