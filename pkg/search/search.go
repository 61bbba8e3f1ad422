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

// Package search defines the enterprise search contract the tools are
// built on, together with an embedded vector-store implementation.
package search

import "context"

// App identifies a workspace application a document originates from.
type App string

const (
	AppGmail           App = "Gmail"
	AppGoogleDrive     App = "GoogleDrive"
	AppGoogleCalendar  App = "GoogleCalendar"
	AppGoogleWorkspace App = "GoogleWorkspace"
	AppKnowledgeBase   App = "KnowledgeBase"
	AppSlack           App = "Slack"
)

// Document is one indexed unit of enterprise content.
type Document struct {
	ID         string
	Title      string
	Content    string
	URL        string
	App        App
	Entity     string
	ChunkIndex int
	Score      float64
	Metadata   map[string]string
}

// Query is a search request against the index.
type Query struct {
	Text string
	// Apps restricts results to these applications; empty searches all.
	Apps []App
	// ExcludedIDs removes already-seen documents from the result set.
	ExcludedIDs []string
	Limit       int
}

// Provider is the search index backend.
type Provider interface {
	Search(ctx context.Context, q Query) ([]Document, error)
	Index(ctx context.Context, docs ...Document) error
	Close() error
}
