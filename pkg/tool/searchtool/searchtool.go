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

// Package searchtool implements the enterprise search tools: searchGlobal
// over every synced app and searchKnowledgeBase over curated content.
package searchtool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/search"
	"github.com/kadirpekel/vesper/pkg/tool"
)

const defaultLimit = 10

type searchArgs struct {
	Query       string   `json:"query" jsonschema:"description=Natural language search query"`
	ExcludedIDs []string `json:"excludedIds,omitempty" jsonschema:"description=Document ids to exclude from results"`
	Limit       int      `json:"limit,omitempty" jsonschema:"description=Maximum number of results"`
}

func searchSchema() map[string]any {
	return tool.GenerateSchema[searchArgs]()
}

func parseSearchArgs(args map[string]any) (searchArgs, error) {
	parsed := searchArgs{Limit: defaultLimit}
	query, _ := args["query"].(string)
	if query == "" {
		return parsed, fmt.Errorf("query is required")
	}
	parsed.Query = query
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		parsed.Limit = int(limit)
	}
	switch raw := args["excludedIds"].(type) {
	case []string:
		parsed.ExcludedIDs = raw
	case []any:
		for _, v := range raw {
			if s, ok := v.(string); ok {
				parsed.ExcludedIDs = append(parsed.ExcludedIDs, s)
			}
		}
	}
	return parsed, nil
}

// FragmentsFromDocuments converts search hits into citable fragments.
func FragmentsFromDocuments(docs []search.Document) []*run.Fragment {
	frags := make([]*run.Fragment, 0, len(docs))
	for _, d := range docs {
		frags = append(frags, &run.Fragment{
			ID:         d.ID,
			Content:    d.Content,
			Confidence: d.Score,
			ChunkIndex: d.ChunkIndex,
			Source: run.Source{
				DocumentID: d.ID,
				Title:      d.Title,
				URL:        d.URL,
				App:        string(d.App),
				Entity:     d.Entity,
			},
		})
	}
	return frags
}

func runSearch(ctx context.Context, provider search.Provider, q search.Query) (map[string]any, error) {
	docs, err := provider.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return map[string]any{"data": FragmentsFromDocuments(docs)}, nil
}

// Global searches all synced workspace apps at once.
type Global struct {
	provider  search.Provider
	workspace config.WorkspaceConfig
}

func NewGlobal(provider search.Provider, workspace config.WorkspaceConfig) *Global {
	return &Global{provider: provider, workspace: workspace}
}

func (t *Global) Name() string { return tool.NameSearchGlobal }

func (t *Global) Description() string {
	return "Search across all connected enterprise content (mail, documents, calendar, chat, knowledge base) in one query."
}

func (t *Global) Schema() map[string]any { return searchSchema() }

func (t *Global) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	parsed, err := parseSearchArgs(args)
	if err != nil {
		return nil, err
	}
	return runSearch(ctx, t.provider, search.Query{
		Text:        parsed.Query,
		Apps:        t.syncedApps(),
		ExcludedIDs: parsed.ExcludedIDs,
		Limit:       parsed.Limit,
	})
}

func (t *Global) syncedApps() []search.App {
	apps := []search.App{search.AppKnowledgeBase}
	if t.workspace.GmailSynced {
		apps = append(apps, search.AppGmail)
	}
	if t.workspace.GoogleDriveSynced {
		apps = append(apps, search.AppGoogleDrive)
	}
	if t.workspace.GoogleCalendarSynced {
		apps = append(apps, search.AppGoogleCalendar)
	}
	if t.workspace.GoogleWorkspaceSynced {
		apps = append(apps, search.AppGoogleWorkspace)
	}
	if t.workspace.SlackConnected {
		apps = append(apps, search.AppSlack)
	}
	return apps
}

// KnowledgeBase searches only curated knowledge base content.
type KnowledgeBase struct {
	provider search.Provider
}

func NewKnowledgeBase(provider search.Provider) *KnowledgeBase {
	return &KnowledgeBase{provider: provider}
}

func (t *KnowledgeBase) Name() string { return tool.NameSearchKnowledge }

func (t *KnowledgeBase) Description() string {
	return "Search the curated knowledge base for authoritative internal documentation."
}

func (t *KnowledgeBase) Schema() map[string]any { return searchSchema() }

func (t *KnowledgeBase) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	parsed, err := parseSearchArgs(args)
	if err != nil {
		return nil, err
	}
	return runSearch(ctx, t.provider, search.Query{
		Text:        parsed.Query,
		Apps:        []search.App{search.AppKnowledgeBase},
		ExcludedIDs: parsed.ExcludedIDs,
		Limit:       parsed.Limit,
	})
}

var (
	_ tool.Tool = (*Global)(nil)
	_ tool.Tool = (*KnowledgeBase)(nil)
)
