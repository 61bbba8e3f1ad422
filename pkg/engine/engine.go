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

// Package engine drives one agent run: a cooperative single-threaded turn
// loop that calls the model, routes tool calls through the pre/post
// execution hooks, reviews progress, and emits a typed event stream the
// transport layer turns into SSE.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/review"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/tool"
)

// ErrMaxTurnsExceeded means the run consumed its turn allowance without
// reaching final synthesis.
var ErrMaxTurnsExceeded = errors.New("max turns exceeded")

// Options wires one engine instance. Everything is per-run: the registry
// carries state-bound tools and is closed when the run ends.
type Options struct {
	Config      config.EngineConfig
	Provider    model.Provider
	ProviderCfg *config.LLMProviderConfig
	Registry    *tool.Registry
	PreHook     *tool.PreHook
	PostHook    *tool.PostHook
	Reviewer    *review.Reviewer
	State       *run.State
	Instruction string
	Images      []model.ImageAttachment
	// MaxTurns overrides Config.MaxTurns when positive (delegated runs).
	MaxTurns int
}

// Engine executes one run.
type Engine struct {
	cfg         config.EngineConfig
	provider    model.Provider
	providerCfg *config.LLMProviderConfig
	registry    *tool.Registry
	pre         *tool.PreHook
	post        *tool.PostHook
	reviewer    *review.Reviewer
	state       *run.State
	driver      *driver
	maxTurns    int

	mu    sync.Mutex
	phase Phase
}

func New(opts Options) *Engine {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = opts.Config.MaxTurns
	}
	if maxTurns <= 0 {
		maxTurns = 12
	}
	return &Engine{
		cfg:         opts.Config,
		provider:    opts.Provider,
		providerCfg: opts.ProviderCfg,
		registry:    opts.Registry,
		pre:         opts.PreHook,
		post:        opts.PostHook,
		reviewer:    opts.Reviewer,
		state:       opts.State,
		driver:      newDriver(opts.Provider, opts.Instruction, opts.State.Question, opts.Images),
		maxTurns:    maxTurns,
		phase:       PhaseIdle,
	}
}

// State exposes the run state for the consumer of the event stream.
func (e *Engine) State() *run.State {
	return e.state
}

// Phase reports where the run currently is.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Run starts the turn loop. The returned channel closes after the
// run_end event. The registry (and its MCP connections) is closed before
// the channel closes, whatever path ends the run.
func (e *Engine) Run(ctx context.Context) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() {
			if err := e.registry.Close(); err != nil {
				slog.Warn("Closing tool registry failed", "run_id", e.state.RunID, "error", err)
			}
		}()
		e.loop(ctx, events)
	}()
	return events
}

func (e *Engine) loop(ctx context.Context, events chan<- Event) {
	state := e.state
	status := StatusDone
	var runErr error

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finished := false
turns:
	for turn := 0; turn < e.maxTurns; turn++ {
		if ctx.Err() != nil {
			status = StatusStopped
			finished = true
			break
		}

		state.BeginTurn(turn)
		e.setPhase(PhasePlanning)
		emit(Event{Type: EventTurnStart, Turn: turn})

		resp, err := e.driver.step(ctx, state, e.registry.Definitions())
		if err != nil {
			if ctx.Err() != nil {
				status = StatusStopped
			} else {
				status = StatusError
				runErr = fmt.Errorf("model call failed: %w", err)
			}
			finished = true
			break
		}

		state.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		if e.providerCfg != nil {
			state.AddCost(model.Cost(resp.Usage, e.providerCfg))
		}
		emit(Event{Type: EventTokenUsage, Turn: turn, Usage: resp.Usage})

		if resp.Text != "" {
			state.Expectations.Extract(resp.Text)
		}

		if len(resp.ToolCalls) == 0 {
			if !emit(Event{Type: EventAssistantMessage, Turn: turn, Text: resp.Text}) {
				status = StatusStopped
				finished = true
				break
			}
			if state.Synthesis.Requested {
				// The answer already streamed through the synthesizer;
				// plain assistant text here is just the acknowledgement.
				if resp.Text != "" {
					state.Synthesis.AckReceived = true
					slog.Info("Post-synthesis acknowledgement received",
						"run_id", state.RunID, "turn", turn)
				}
			} else {
				emit(Event{Type: EventFinalOutput, Turn: turn, Text: resp.Text})
			}
			finished = true
			break
		}

		emit(Event{Type: EventToolRequests, Turn: turn, ToolCalls: resp.ToolCalls})
		e.setPhase(PhaseExecuting)

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				status = StatusStopped
				finished = true
				break turns
			}
			if call.Name == tool.NameSynthesize {
				e.setPhase(PhaseSynthesizing)
			}
			e.executeCall(ctx, state, call, turn, emit)
		}

		state.EndTurn(turn)
		emit(Event{Type: EventTurnEnd, Turn: turn})

		if state.Synthesis.Completed {
			emit(Event{Type: EventFinalOutput, Turn: turn, Text: state.Synthesis.StreamedText})
			finished = true
			break
		}

		e.setPhase(PhaseReviewing)
		e.review(ctx, state, review.FocusTurnEnd, turn, emit)
	}

	if !finished {
		status = StatusError
		runErr = ErrMaxTurnsExceeded
	}

	if status != StatusStopped {
		e.review(ctx, state, review.FocusRunEnd, state.TurnCount, emit)
	}

	e.setPhase(phaseFor(status))
	// The consumer drains the channel until close, so the terminal event
	// is sent blocking: it must arrive even when the run context died or
	// the buffer filled behind a slow consumer.
	events <- Event{Type: EventRunEnd, Turn: state.TurnCount, Status: status, Err: runErr}
}

func (e *Engine) executeCall(ctx context.Context, state *run.State, call model.ToolCall, turn int, emit func(Event) bool) {
	emit(Event{Type: EventToolCallStart, Turn: turn, ToolName: call.Name, CallID: call.ID})

	decision := e.pre.Check(state, call.Name, call.Args)
	if !decision.Proceed {
		emit(Event{Type: EventReasoning, Turn: turn, Text: decision.Message})
		emit(Event{Type: EventToolCallEnd, Turn: turn, ToolName: call.Name, CallID: call.ID, Skipped: true})
		e.driver.recordToolResult(call,
			fmt.Sprintf(`{"status":"skipped","reason":%q}`, decision.Message), false)
		return
	}

	expectation := state.Expectations.Assign(call.Name, call.ID)

	var result map[string]any
	var callErr error
	started := time.Now()
	if t, ok := e.registry.Get(call.Name); ok {
		result, callErr = t.Call(ctx, decision.Args)
	} else {
		callErr = fmt.Errorf("unknown tool: %s", call.Name)
	}

	envelope := e.post.Process(ctx, state, tool.ExecutionInput{
		ToolName:    call.Name,
		CallID:      call.ID,
		Args:        decision.Args,
		Result:      result,
		Err:         callErr,
		Expectation: expectation,
		Turn:        turn,
		StartedAt:   started,
		Duration:    time.Since(started),
	})

	emit(Event{
		Type:     EventToolCallEnd,
		Turn:     turn,
		ToolName: call.Name,
		CallID:   call.ID,
		Success:  callErr == nil,
		Envelope: envelope,
	})
	e.driver.recordToolResult(call, envelope.LLMContent(), callErr != nil)

	// Two consecutive errors of the same tool force an early review.
	if callErr != nil && state.History.ConsecutiveErrors(call.Name) == 2 {
		e.setPhase(PhaseReviewing)
		e.review(ctx, state, review.FocusToolError, turn, emit)
		e.setPhase(PhaseExecuting)
	}
}

func (e *Engine) review(ctx context.Context, state *run.State, focus review.Focus, turn int, emit func(Event) bool) {
	result, err := e.reviewer.Review(ctx, state, focus)
	if err != nil || result == nil {
		return
	}
	if result.Notes != "" {
		emit(Event{Type: EventReasoning, Turn: turn, Text: result.Notes})
	}
	if len(result.Anomalies) > 0 {
		text := "Anomalies observed:"
		for _, a := range result.Anomalies {
			text += "\n- " + a
		}
		emit(Event{Type: EventReasoning, Turn: turn, Text: text})
	}
}

func phaseFor(status Status) Phase {
	switch status {
	case StatusError:
		return PhaseError
	case StatusStopped:
		return PhaseStopped
	default:
		return PhaseDone
	}
}
