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

// Package worktool implements the workspace-app search tools: Gmail,
// Drive, Calendar, Contacts over the synced index, and Slack messages
// via the Slack API with an index fallback.
package worktool

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/kadirpekel/vesper/pkg/run"
	"github.com/kadirpekel/vesper/pkg/search"
	"github.com/kadirpekel/vesper/pkg/tool"
	"github.com/kadirpekel/vesper/pkg/tool/searchtool"
)

const defaultLimit = 10

type appArgs struct {
	Query       string   `json:"query" jsonschema:"description=Natural language search query"`
	ExcludedIDs []string `json:"excludedIds,omitempty" jsonschema:"description=Document ids to exclude"`
	Limit       int      `json:"limit,omitempty"`
}

// AppSearch is a search tool scoped to one workspace application.
type AppSearch struct {
	name        string
	description string
	app         search.App
	provider    search.Provider
}

func newAppSearch(name, description string, app search.App, provider search.Provider) *AppSearch {
	return &AppSearch{name: name, description: description, app: app, provider: provider}
}

// NewGmail searches synced Gmail messages.
func NewGmail(provider search.Provider) *AppSearch {
	return newAppSearch(tool.NameGmailSearch,
		"Search the user's synced Gmail messages and threads.",
		search.AppGmail, provider)
}

// NewDrive searches synced Google Drive files.
func NewDrive(provider search.Provider) *AppSearch {
	return newAppSearch(tool.NameDriveSearch,
		"Search the user's synced Google Drive documents, sheets, and slides.",
		search.AppGoogleDrive, provider)
}

// NewCalendar searches synced Google Calendar events.
func NewCalendar(provider search.Provider) *AppSearch {
	return newAppSearch(tool.NameCalendarSearch,
		"Search the user's synced Google Calendar events.",
		search.AppGoogleCalendar, provider)
}

// NewContacts searches synced Google Workspace contacts.
func NewContacts(provider search.Provider) *AppSearch {
	return newAppSearch(tool.NameContactsSearch,
		"Search the user's synced Google Workspace contacts and directory.",
		search.AppGoogleWorkspace, provider)
}

func (t *AppSearch) Name() string        { return t.name }
func (t *AppSearch) Description() string { return t.description }

func (t *AppSearch) Schema() map[string]any {
	return tool.GenerateSchema[appArgs]()
}

func (t *AppSearch) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := defaultLimit
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	var excluded []string
	switch raw := args["excludedIds"].(type) {
	case []string:
		excluded = raw
	case []any:
		for _, v := range raw {
			if s, ok := v.(string); ok {
				excluded = append(excluded, s)
			}
		}
	}

	docs, err := t.provider.Search(ctx, search.Query{
		Text:        query,
		Apps:        []search.App{t.app},
		ExcludedIDs: excluded,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", t.name, err)
	}
	return map[string]any{"data": searchtool.FragmentsFromDocuments(docs)}, nil
}

// SlackSearcher is the part of the Slack API the tool uses.
type SlackSearcher interface {
	SearchMessagesContext(ctx context.Context, query string, params slack.SearchParameters) (*slack.SearchMessages, error)
}

// SlackMessages finds Slack messages related to a query. With an API
// client it queries Slack live; otherwise it falls back to the synced
// index.
type SlackMessages struct {
	client   SlackSearcher
	provider search.Provider
}

func NewSlackMessages(token string, provider search.Provider) *SlackMessages {
	t := &SlackMessages{provider: provider}
	if token != "" {
		t.client = slack.New(token)
	}
	return t
}

// NewSlackMessagesWithClient injects a client, used in tests.
func NewSlackMessagesWithClient(client SlackSearcher, provider search.Provider) *SlackMessages {
	return &SlackMessages{client: client, provider: provider}
}

func (t *SlackMessages) Name() string { return tool.NameSlackMessages }

func (t *SlackMessages) Description() string {
	return "Find Slack messages related to a topic across the connected workspace."
}

func (t *SlackMessages) Schema() map[string]any {
	return tool.GenerateSchema[appArgs]()
}

func (t *SlackMessages) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := defaultLimit
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	if t.client == nil {
		docs, err := t.provider.Search(ctx, search.Query{
			Text:  query,
			Apps:  []search.App{search.AppSlack},
			Limit: limit,
		})
		if err != nil {
			return nil, fmt.Errorf("slack search failed: %w", err)
		}
		return map[string]any{"data": searchtool.FragmentsFromDocuments(docs)}, nil
	}

	messages, err := t.client.SearchMessagesContext(ctx, query, slack.SearchParameters{
		Count:         limit,
		Sort:          "score",
		SortDirection: "desc",
	})
	if err != nil {
		return nil, fmt.Errorf("slack search failed: %w", err)
	}

	frags := make([]*run.Fragment, 0, len(messages.Matches))
	for _, m := range messages.Matches {
		title := fmt.Sprintf("#%s", m.Channel.Name)
		if m.Username != "" {
			title = fmt.Sprintf("#%s (%s)", m.Channel.Name, m.Username)
		}
		frags = append(frags, &run.Fragment{
			ID:      "slack-" + m.Timestamp,
			Content: m.Text,
			Source: run.Source{
				DocumentID: "slack-" + m.Timestamp,
				Title:      title,
				URL:        m.Permalink,
				App:        string(search.AppSlack),
				Entity:     m.Channel.Name,
			},
		})
	}
	return map[string]any{"data": frags}, nil
}

var (
	_ tool.Tool = (*AppSearch)(nil)
	_ tool.Tool = (*SlackMessages)(nil)
)
