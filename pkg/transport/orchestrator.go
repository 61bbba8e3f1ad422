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

// Package transport serves the chat endpoint: it parses requests, drives
// one engine run per request, and maps the engine's event stream onto SSE.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kadirpekel/vesper/pkg/attachments"
	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/delegate"
	"github.com/kadirpekel/vesper/pkg/engine"
	"github.com/kadirpekel/vesper/pkg/mcpagent"
	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/review"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/search"
	"github.com/kadirpekel/vesper/pkg/store"
	"github.com/kadirpekel/vesper/pkg/tool"
	"github.com/kadirpekel/vesper/pkg/tool/agenttool"
	"github.com/kadirpekel/vesper/pkg/tool/fallbacktool"
	"github.com/kadirpekel/vesper/pkg/tool/mcptoolset"
	"github.com/kadirpekel/vesper/pkg/tool/searchtool"
	"github.com/kadirpekel/vesper/pkg/tool/synthtool"
	"github.com/kadirpekel/vesper/pkg/tool/todotool"
	"github.com/kadirpekel/vesper/pkg/tool/worktool"
	"github.com/kadirpekel/vesper/pkg/utils"
)

// ToolsListEntry restricts a request to specific tools of a connector.
type ToolsListEntry struct {
	ConnectorID string   `json:"connectorId"`
	Tools       []string `json:"tools"`
}

// SelectedModelConfig is the per-request model selection.
type SelectedModelConfig struct {
	Model        string   `json:"model"`
	Reasoning    bool     `json:"reasoning"`
	Websearch    bool     `json:"websearch"`
	DeepResearch bool     `json:"deepResearch"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Request is one parsed, validated chat request.
type Request struct {
	Message     string
	ChatID      string
	AgentID     string
	UserID      string
	WorkspaceID string
	ToolsList   []ToolsListEntry
	ModelCfg    *SelectedModelConfig
	Attachments []*attachments.Attachment
}

// agentSelectThreshold is the minimum selector score before a request
// without an explicit agentId is routed to a configured agent.
const agentSelectThreshold = 0.6

const persistTimeout = 5 * time.Second

// Orchestrator owns the per-request run lifecycle: chat persistence,
// tool assembly, engine execution, and SSE emission.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	providers *model.ProviderRegistry
	index     search.Provider
}

func NewOrchestrator(cfg *config.Config, st store.Store, providers *model.ProviderRegistry, index search.Provider) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: st, providers: providers, index: index}
}

// runDeps bundles the providers resolved for one request.
type runDeps struct {
	primary    model.Provider
	primaryCfg *config.LLMProviderConfig
	fast       model.Provider
}

func (o *Orchestrator) resolveProviders(modelCfg *SelectedModelConfig) (*runDeps, error) {
	primaryName := o.cfg.LLM.Primary
	if modelCfg != nil && modelCfg.Model != "" {
		primaryName = modelCfg.Model
	}
	primary, ok := o.providers.Get(primaryName)
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", primaryName)
	}
	primaryCfg, ok := o.providers.Config(primaryName)
	if !ok {
		primaryCfg = &config.LLMProviderConfig{Model: primary.ModelName()}
	}
	fast, ok := o.providers.Get(o.cfg.LLM.Fast)
	if !ok {
		fast = primary
	}
	return &runDeps{primary: primary, primaryCfg: primaryCfg, fast: fast}, nil
}

// ValidateModel reports whether the requested model id is registered.
func (o *Orchestrator) ValidateModel(modelCfg *SelectedModelConfig) error {
	_, err := o.resolveProviders(modelCfg)
	return err
}

// Stream runs one chat turn end to end, emitting SSE on sse. The context
// is the single cancellation handle; client disconnect cancels it.
func (o *Orchestrator) Stream(ctx context.Context, req *Request, sse *SSEWriter) engine.Status {
	started := time.Now()

	deps, err := o.resolveProviders(req.ModelCfg)
	if err != nil {
		sse.Send(SSEError, ErrorPayload{Error: "InvalidInput", Message: err.Error()})
		sse.End()
		return engine.StatusError
	}

	chatID := req.ChatID
	newChat := chatID == ""
	if newChat {
		chatID = uuid.NewString()
	}
	sse.Send(SSEResponseMetadata, ResponseMetadata{ChatID: chatID})

	if newChat {
		title := deriveTitle(req.Message)
		err := o.persist(func(pctx context.Context) error {
			return o.store.CreateChat(pctx, &store.Chat{
				ID:          chatID,
				UserID:      req.UserID,
				WorkspaceID: req.WorkspaceID,
				Title:       title,
			})
		})
		if err != nil {
			slog.Warn("Failed to create chat, continuing without persistence",
				"chat_id", chatID, "error", err)
		} else {
			sse.Send(SSEChatTitleUpdate, title)
		}
	}

	userMsgID := uuid.NewString()
	lastPersistedMsg := ""
	err = o.persist(func(pctx context.Context) error {
		return o.store.AppendMessage(pctx, &store.Message{
			ID:      userMsgID,
			ChatID:  chatID,
			Role:    "user",
			Content: req.Message,
		})
	})
	if err != nil {
		slog.Warn("Failed to persist user message, continuing",
			"chat_id", chatID, "error", err)
	} else {
		lastPersistedMsg = userMsgID
	}

	agentCfg := o.resolveAgent(ctx, deps.fast, req)
	agentID := ""
	instruction := ""
	var allowedApps []string
	if agentCfg != nil {
		agentID = agentCfg.ID
		instruction = agentCfg.Instruction
		allowedApps = agentCfg.AllowedApps
	}

	state := run.NewState(chatID, agentID, req.UserID, req.WorkspaceID, req.Message, deps.primaryCfg.Model)

	if len(req.Attachments) > 0 {
		sse.Send(SSEReasoning, Reasoning{Text: "Analyzing user-provided attachments..."})
		extracted, exErr := attachments.Extract(ctx, 0, req.Attachments)
		if exErr != nil {
			o.saveTrace(state, lastPersistedMsg, engine.StatusStopped, started)
			sse.End()
			return engine.StatusStopped
		}
		added := state.Fragments.Add(0, extracted.Fragments...)
		for _, img := range extracted.Images {
			state.Fragments.AddImage(0, img)
		}
		sse.Send(SSEReasoning, Reasoning{Text: fmt.Sprintf(
			"Extracted %d context fragments from %d attachments.", len(added), len(req.Attachments))})

		names := make([]string, 0, len(req.Attachments))
		for _, a := range req.Attachments {
			if a != nil {
				names = append(names, a.FileName)
			}
		}
		if lastPersistedMsg != "" {
			sse.Send(SSEAttachmentUpdate, AttachmentUpdate{MessageID: userMsgID, Attachments: names})
		} else {
			sse.Send(SSEError, ErrorPayload{
				Error:   "PersistenceFailure",
				Message: "Attachments could not be linked to the message.",
			})
		}
	}

	streamFn := func(chunk string) error { return sse.Send(SSEResponseUpdate, chunk) }
	registry, err := o.buildToolset(ctx, state, deps, toolsetOptions{
		allowedApps:       allowedApps,
		delegationEnabled: true,
		connectors:        o.buildConnectors(req.ToolsList),
		stream:            streamFn,
		loadImage:         imageLoaderFor(req.Attachments),
	})
	if err != nil {
		sse.Send(SSEError, ErrorPayload{Error: "RunError", Message: err.Error()})
		o.saveTrace(state, lastPersistedMsg, engine.StatusError, started)
		sse.End()
		return engine.StatusError
	}

	maxTurns := 0
	if req.ModelCfg != nil && req.ModelCfg.DeepResearch {
		maxTurns = min(o.cfg.Engine.MaxTurns*2, delegate.MaxSubRunTurns)
	}

	eng := engine.New(engine.Options{
		Config:      o.cfg.Engine,
		Provider:    deps.primary,
		ProviderCfg: deps.primaryCfg,
		Registry:    registry,
		PreHook:     tool.NewPreHook(registry, o.cfg.Engine.DuplicateWindow, o.cfg.Engine.FailureBudget),
		PostHook:    tool.NewPostHook(tool.NewRanker(deps.fast)),
		Reviewer:    o.newReviewer(deps),
		State:       state,
		Instruction: instruction,
		MaxTurns:    maxTurns,
	})

	var (
		status engine.Status = engine.StatusStopped
		runErr error
		answer string
	)
	for ev := range eng.Run(ctx) {
		switch ev.Type {
		case engine.EventTurnStart:
			sse.Send(SSEReasoning, Reasoning{
				Text: fmt.Sprintf("Turn %d started", ev.Turn),
				Step: &ReasoningStep{Type: "turn", Iteration: ev.Turn},
			})
		case engine.EventReasoning:
			sse.Send(SSEReasoning, Reasoning{Text: ev.Text})
		case engine.EventAssistantMessage:
			if ev.Text != "" && !state.Synthesis.SuppressAssistantStreaming {
				sse.Send(SSEResponseUpdate, ev.Text)
			}
		case engine.EventFinalOutput:
			answer = ev.Text
		case engine.EventRunEnd:
			status = ev.Status
			runErr = ev.Err
		}
	}
	state.AddLatency(time.Since(started))

	switch status {
	case engine.StatusDone:
		o.emitCitations(sse, answer, state)

		assistantMsgID := uuid.NewString()
		err := o.persist(func(pctx context.Context) error {
			return o.store.AppendMessage(pctx, &store.Message{
				ID:      assistantMsgID,
				ChatID:  chatID,
				Role:    "assistant",
				Content: answer,
			})
		})
		if err != nil {
			slog.Warn("Failed to persist assistant message",
				"chat_id", chatID, "error", err)
		} else {
			lastPersistedMsg = assistantMsgID
		}
		o.saveTrace(state, lastPersistedMsg, status, started)
		sse.Send(SSEResponseMetadata, ResponseMetadata{ChatID: chatID, MessageID: assistantMsgID})
		sse.End()

	case engine.StatusError:
		name := "RunError"
		msg := "The run failed."
		if errors.Is(runErr, engine.ErrMaxTurnsExceeded) {
			name = "MaxTurnsExceeded"
			msg = "The run exceeded its turn allowance without producing an answer."
		} else if runErr != nil {
			msg = runErr.Error()
		}
		sse.Send(SSEError, ErrorPayload{Error: name, Message: msg})
		o.saveTrace(state, lastPersistedMsg, status, started)
		sse.End()

	case engine.StatusStopped:
		o.saveTrace(state, lastPersistedMsg, status, started)
		sse.End()
	}

	return status
}

// persist runs a store write on its own deadline so persistence survives
// cancellation of the request context.
func (o *Orchestrator) persist(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) saveTrace(state *run.State, messageID string, status engine.Status, started time.Time) {
	if messageID == "" {
		return
	}
	err := o.persist(func(pctx context.Context) error {
		return o.store.SaveTrace(pctx, &store.Trace{
			RunID:        state.RunID,
			MessageID:    messageID,
			ChatID:       state.ChatID,
			Status:       string(status),
			Turns:        state.TurnCount + 1,
			CostUsd:      state.CostUsd,
			LatencyMs:    time.Since(started).Milliseconds(),
			InputTokens:  state.Tokens.InputTokens,
			OutputTokens: state.Tokens.OutputTokens,
			ReviewJSON:   state.LastReviewJSON,
		})
	})
	if err != nil {
		slog.Warn("Failed to persist run trace", "run_id", state.RunID, "error", err)
	}
}

func (o *Orchestrator) newReviewer(deps *runDeps) *review.Reviewer {
	counter, err := utils.NewTokenCounter(deps.primaryCfg.Model)
	if err != nil {
		slog.Warn("Token counter unavailable, review prompts unbudgeted", "error", err)
	}
	return review.New(deps.fast, counter, o.cfg.Engine.ReviewFragmentTokens)
}

// resolveAgent returns the agent to run under: the explicitly requested
// one, or the selector's pick when the request names none and configured
// agents exist.
func (o *Orchestrator) resolveAgent(ctx context.Context, fast model.Provider, req *Request) *config.AgentConfig {
	if req.AgentID != "" {
		agentCfg, ok := o.cfg.AgentByID(req.AgentID)
		if ok {
			return agentCfg
		}
		return nil
	}

	var briefs []run.AgentBrief
	for i := range o.cfg.Agents {
		a := &o.cfg.Agents[i]
		if !a.Public {
			continue
		}
		briefs = append(briefs, run.AgentBrief{
			ID:               a.ID,
			Name:             a.Name,
			Description:      a.Description,
			Capabilities:     a.Capabilities,
			Domains:          a.Domains,
			EstimatedCostUsd: a.EstimatedCostUsd,
			ResourceSummary:  resourceSummary(a.Resources),
		})
	}
	if len(briefs) == 0 {
		return nil
	}

	scored := delegate.NewSelector(fast).Select(ctx, req.Message, briefs)
	if len(scored) == 0 || scored[0].Score < agentSelectThreshold {
		return nil
	}
	agentCfg, ok := o.cfg.AgentByID(scored[0].Brief.ID)
	if !ok {
		return nil
	}
	slog.Info("Agent selected for request",
		"agent_id", agentCfg.ID, "score", scored[0].Score, "reason", scored[0].Reason)
	return agentCfg
}

func resourceSummary(resources []config.AgentResourceConfig) string {
	if len(resources) == 0 {
		return "no external resources"
	}
	ready := 0
	for _, r := range resources {
		if r.Status == "ready" {
			ready++
		}
	}
	return fmt.Sprintf("%d/%d resources ready", ready, len(resources))
}

type toolsetOptions struct {
	allowedApps       []string
	delegationEnabled bool
	connectors        []tool.MCPConnector
	stream            synthtool.StreamFunc
	loadImage         synthtool.ImageLoader
}

func (o *Orchestrator) buildToolset(ctx context.Context, state *run.State, deps *runDeps, opts toolsetOptions) (*tool.Registry, error) {
	internal := []tool.Tool{
		todotool.New(state),
		searchtool.NewGlobal(o.index, o.cfg.Workspace),
		searchtool.NewKnowledgeBase(o.index),
		worktool.NewGmail(o.index),
		worktool.NewDrive(o.index),
		worktool.NewCalendar(o.index),
		worktool.NewContacts(o.index),
		worktool.NewSlackMessages(o.cfg.Workspace.SlackToken, o.index),
		fallbacktool.New(state),
		synthtool.New(state, deps.primary, deps.primaryCfg,
			o.cfg.Engine.MaxSynthesisImages, opts.stream, opts.loadImage),
	}

	registry, err := tool.Build(ctx, tool.BuildInput{
		Internal:          internal,
		Connectors:        opts.connectors,
		Workspace:         o.cfg.Workspace,
		AllowedApps:       opts.allowedApps,
		DelegationEnabled: opts.delegationEnabled,
		Budget:            o.cfg.Engine.ToolBudget,
	})
	if err != nil {
		return nil, err
	}

	if opts.delegationEnabled {
		runner := o.subAgentRunner(state, registry, deps)
		if err := registry.Add(agenttool.NewListCustomAgents(o.cfg.Agents, registry.VirtualAgents())); err != nil {
			return nil, err
		}
		if err := registry.Add(agenttool.NewRunPublicAgent(state, runner)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildConnectors resolves the request's toolsList into live MCP
// connectors, intersecting requested tools with any configured filter.
func (o *Orchestrator) buildConnectors(entries []ToolsListEntry) []tool.MCPConnector {
	var connectors []tool.MCPConnector
	for _, entry := range entries {
		var connCfg *config.MCPConnectorConfig
		for i := range o.cfg.Connectors {
			if o.cfg.Connectors[i].ID == entry.ConnectorID {
				connCfg = &o.cfg.Connectors[i]
				break
			}
		}
		if connCfg == nil {
			slog.Warn("Requested connector is not configured, skipping",
				"connector", entry.ConnectorID)
			continue
		}

		cfg := *connCfg
		if len(entry.Tools) > 0 {
			if len(cfg.Tools) > 0 {
				allowed := make(map[string]bool, len(cfg.Tools))
				for _, t := range cfg.Tools {
					allowed[t] = true
				}
				var filtered []string
				for _, t := range entry.Tools {
					if allowed[t] {
						filtered = append(filtered, t)
					}
				}
				cfg.Tools = filtered
			} else {
				cfg.Tools = entry.Tools
			}
		}

		conn, err := mcptoolset.New(cfg)
		if err != nil {
			slog.Warn("Failed to initialize MCP connector, skipping",
				"connector", cfg.ID, "error", err)
			continue
		}
		connectors = append(connectors, conn)
	}
	return connectors
}

// subAgentRunner executes run_public_agent delegations: promoted MCP
// connectors through the mcpagent runner, configured agents through a
// reduced recursive engine run.
func (o *Orchestrator) subAgentRunner(parent *run.State, registry *tool.Registry, deps *runDeps) agenttool.SubAgentRunner {
	return func(ctx context.Context, agentID, task string) (*agenttool.DelegationResult, error) {
		if connID, isMCP := strings.CutPrefix(agentID, "mcp:"); isMCP {
			conn, ok := registry.Connector(connID)
			if !ok {
				return nil, fmt.Errorf("unknown connector agent: %s", agentID)
			}
			answer, err := mcpagent.New(conn, deps.fast).Execute(ctx, task)
			if err != nil {
				return nil, err
			}
			return &agenttool.DelegationResult{Answer: answer}, nil
		}

		agentCfg, ok := o.cfg.AgentByID(agentID)
		if !ok {
			return nil, fmt.Errorf("unknown agent: %s", agentID)
		}
		if !agentCfg.Public {
			return nil, fmt.Errorf("agent %s is not public", agentID)
		}
		return o.runSubAgent(ctx, parent, agentCfg, task, deps)
	}
}

func (o *Orchestrator) runSubAgent(ctx context.Context, parent *run.State, agentCfg *config.AgentConfig, task string, deps *runDeps) (*agenttool.DelegationResult, error) {
	spec := delegate.NewSubRunSpec(agentCfg.ID, task, parent.TurnCount, o.cfg.Engine.MaxDelegationTurns)
	sub := run.NewState(parent.ChatID, agentCfg.ID, parent.UserID, parent.WorkspaceID, task, parent.ModelID)
	spec.Apply(sub)

	registry, err := o.buildToolset(ctx, sub, deps, toolsetOptions{
		allowedApps:       agentCfg.AllowedApps,
		delegationEnabled: false,
	})
	if err != nil {
		return nil, err
	}

	eng := engine.New(engine.Options{
		Config:      o.cfg.Engine,
		Provider:    deps.primary,
		ProviderCfg: deps.primaryCfg,
		Registry:    registry,
		PreHook:     tool.NewPreHook(registry, o.cfg.Engine.DuplicateWindow, o.cfg.Engine.FailureBudget),
		PostHook:    tool.NewPostHook(tool.NewRanker(deps.fast)),
		Reviewer:    o.newReviewer(deps),
		State:       sub,
		Instruction: agentCfg.Instruction,
		MaxTurns:    spec.MaxTurns,
	})

	var answer string
	var runErr error
	for ev := range eng.Run(ctx) {
		switch ev.Type {
		case engine.EventFinalOutput:
			answer = ev.Text
		case engine.EventRunEnd:
			runErr = ev.Err
		}
	}
	if runErr != nil {
		return nil, fmt.Errorf("delegated run failed: %w", runErr)
	}

	return &agenttool.DelegationResult{
		Answer:    answer,
		Fragments: sub.Fragments.All(),
		CostUsd:   sub.CostUsd,
	}, nil
}

var citationPattern = regexp.MustCompile(`K\[([A-Za-z0-9._:\-]+_\d+)\]`)

// emitCitations maps the K[docId_chunkIndex] references of the answer to
// gathered fragments and emits CitationsUpdate plus per-image citation
// events. Ordinals follow first appearance in the text.
func (o *Orchestrator) emitCitations(sse *SSEWriter, answer string, state *run.State) {
	matches := citationPattern.FindAllStringSubmatch(answer, -1)
	if len(matches) > 0 {
		var chunks []Citation
		citationMap := make(map[int]int)
		indexByKey := make(map[string]int)
		ordinal := 0
		for _, m := range matches {
			key := m[1]
			if _, seen := indexByKey[key]; seen {
				continue
			}
			frag := fragmentForKey(state, key)
			if frag == nil {
				slog.Debug("Citation key does not match a gathered fragment", "key", key)
				continue
			}
			index := len(chunks)
			chunks = append(chunks, Citation{
				DocumentID: frag.Source.DocumentID,
				Title:      frag.Source.Title,
				URL:        frag.Source.URL,
				App:        frag.Source.App,
				Content:    frag.Content,
				ChunkIndex: frag.ChunkIndex,
			})
			indexByKey[key] = index
			ordinal++
			citationMap[ordinal] = index
		}
		if len(chunks) > 0 {
			sse.Send(SSECitationsUpdate, CitationsUpdate{ContextChunks: chunks, CitationMap: citationMap})
		}
	}

	for _, name := range run.ExtractImageFilenames(answer) {
		for _, ref := range state.Fragments.Images() {
			if ref.FileName == name {
				sse.Send(SSEImageCitationUpdate, ImageCitation{
					FileName:         ref.FileName,
					SourceFragmentID: ref.SourceFragmentID,
				})
				break
			}
		}
	}
}

func fragmentForKey(state *run.State, key string) *run.Fragment {
	for _, frag := range state.Fragments.All() {
		if synthtool.CitationKey(frag) == key {
			return frag
		}
	}
	return nil
}

// imageLoaderFor serves synthesis images from the request's uploads.
// Images referenced by fragments have no stored bytes and are skipped.
func imageLoaderFor(atts []*attachments.Attachment) synthtool.ImageLoader {
	data := make(map[string][]byte)
	for _, a := range atts {
		if a != nil && len(a.Data) > 0 {
			data[a.FileName] = a.Data
		}
	}
	if len(data) == 0 {
		return nil
	}
	return func(_ context.Context, ref *run.ImageReference) (*model.ImageAttachment, error) {
		raw, ok := data[ref.FileName]
		if !ok {
			return nil, nil
		}
		return &model.ImageAttachment{
			MediaType: mediaTypeFor(ref.FileName),
			Data:      base64.StdEncoding.EncodeToString(raw),
			Filename:  ref.FileName,
		}, nil
	}
}

func mediaTypeFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}

const maxTitleLen = 60

func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if len(title) > maxTitleLen {
		// Back off to a rune boundary before looking for a word break.
		cut := maxTitleLen
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		if sp := strings.LastIndex(title[:cut], " "); sp >= maxTitleLen/2 {
			cut = sp
		}
		title = title[:cut] + "..."
	}
	if title == "" {
		title = "New chat"
	}
	return title
}
