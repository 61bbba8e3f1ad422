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

package tool

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kadirpekel/vesper/pkg/run"
)

// SkipReason explains why the pre-hook declined a tool call.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipDuplicate SkipReason = "duplicate"
	SkipBlocked   SkipReason = "blocked"
)

// Decision is the pre-hook verdict for one tool call.
type Decision struct {
	Proceed bool
	Reason  SkipReason
	// Message is a human-readable note surfaced as a reasoning event.
	Message string
	// Args are the possibly augmented arguments to execute with.
	Args map[string]any
}

// PreHook filters tool calls before execution: schema validation
// (log-only), duplicate suppression, failure-budget blocking, and
// excludedIds injection.
type PreHook struct {
	registry        *Registry
	duplicateWindow time.Duration
	failureBudget   int
	now             func() time.Time
}

func NewPreHook(registry *Registry, duplicateWindow time.Duration, failureBudget int) *PreHook {
	if duplicateWindow <= 0 {
		duplicateWindow = 60 * time.Second
	}
	if failureBudget <= 0 {
		failureBudget = 3
	}
	return &PreHook{
		registry:        registry,
		duplicateWindow: duplicateWindow,
		failureBudget:   failureBudget,
		now:             time.Now,
	}
}

// Check evaluates one tool call against run state.
func (h *PreHook) Check(state *run.State, toolName string, args map[string]any) Decision {
	if schema := h.registry.SchemaFor(toolName); schema != nil {
		if err := schema.Validate(args); err != nil {
			// Log-only: models frequently emit slightly off-schema
			// arguments that the tools still understand.
			slog.Warn("Tool arguments failed schema validation",
				"tool", toolName,
				"error", err)
		}
	}

	argsJSON := run.CanonicalArgs(args)
	if last := state.History.LastSuccess(toolName, argsJSON); last != nil {
		if h.now().Sub(last.StartedAt) < h.duplicateWindow {
			return Decision{
				Proceed: false,
				Reason:  SkipDuplicate,
				Message: fmt.Sprintf("Skipping redundant tool call to '%s'.", toolName),
			}
		}
	}

	if failures := state.History.FailureCount(toolName); failures >= h.failureBudget {
		return Decision{
			Proceed: false,
			Reason:  SkipBlocked,
			Message: fmt.Sprintf("Tool '%s' has failed %d times and is now blocked.", toolName, failures),
		}
	}

	return Decision{
		Proceed: true,
		Args:    h.injectExcludedIDs(state, args),
	}
}

// injectExcludedIDs unions an existing excludedIds argument with every
// document id the run has already seen, so searches stop returning them.
func (h *PreHook) injectExcludedIDs(state *run.State, args map[string]any) map[string]any {
	raw, present := args["excludedIds"]
	if !present {
		return args
	}

	merged := make(map[string]struct{})
	if list, ok := raw.([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				merged[s] = struct{}{}
			}
		}
	} else if list, ok := raw.([]string); ok {
		for _, s := range list {
			if s != "" {
				merged[s] = struct{}{}
			}
		}
	}
	for _, id := range state.Fragments.SeenDocuments() {
		merged[id] = struct{}{}
	}

	union := make([]string, 0, len(merged))
	for id := range merged {
		union = append(union, id)
	}
	sort.Strings(union)

	augmented := make(map[string]any, len(args))
	for k, v := range args {
		augmented[k] = v
	}
	augmented["excludedIds"] = union
	return augmented
}
