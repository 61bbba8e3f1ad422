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

package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

const collectionName = "enterprise-content"

// ChromemProvider is an embedded vector-store search backend. It keeps all
// content in process memory with optional gob persistence, which makes it
// suitable for single-node deployments and tests without an external index.
type ChromemProvider struct {
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
	mu          sync.RWMutex
}

// ChromemConfig configures the embedded provider.
type ChromemConfig struct {
	// PersistPath enables file persistence when non-empty.
	PersistPath string
	// Embedding computes document/query embeddings. Defaults to chromem's
	// OpenAI embedding function driven by OPENAI_API_KEY.
	Embedding chromem.EmbeddingFunc
}

func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := cfg.PersistPath + "/index.gob"
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				slog.Warn("Failed to load existing search index, creating new", "path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded search index from file", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &ChromemProvider{
		db:          db,
		col:         col,
		persistPath: cfg.PersistPath,
	}, nil
}

// Index adds or replaces documents in the store.
func (p *ChromemProvider) Index(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	chromemDocs := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		metadata := map[string]string{
			"title":      d.Title,
			"url":        d.URL,
			"app":        string(d.App),
			"entity":     d.Entity,
			"chunkIndex": strconv.Itoa(d.ChunkIndex),
		}
		for k, v := range d.Metadata {
			metadata[k] = v
		}
		chromemDocs = append(chromemDocs, chromem.Document{
			ID:       d.ID,
			Content:  d.Content,
			Metadata: metadata,
		})
	}

	if err := p.col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("failed to index documents: %w", err)
	}

	return p.persistLocked()
}

// Search runs a similarity query, optionally restricted to apps and with
// already-seen documents excluded.
func (p *ChromemProvider) Search(ctx context.Context, q Query) ([]Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	excluded := make(map[string]struct{}, len(q.ExcludedIDs))
	for _, id := range q.ExcludedIDs {
		excluded[id] = struct{}{}
	}

	// chromem's where filter matches a single value per key, so multi-app
	// queries run once per app and merge by similarity.
	filters := []map[string]string{nil}
	if len(q.Apps) > 0 {
		filters = filters[:0]
		for _, app := range q.Apps {
			filters = append(filters, map[string]string{"app": string(app)})
		}
	}

	var results []chromem.Result
	for _, where := range filters {
		n := limit + len(excluded)
		if count := p.col.Count(); n > count {
			n = count
		}
		if n == 0 {
			continue
		}
		res, err := p.col.Query(ctx, q.Text, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
		results = append(results, res...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	docs := make([]Document, 0, limit)
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		if _, skip := excluded[r.ID]; skip {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		chunkIndex, _ := strconv.Atoi(r.Metadata["chunkIndex"])
		docs = append(docs, Document{
			ID:         r.ID,
			Title:      r.Metadata["title"],
			Content:    r.Content,
			URL:        r.Metadata["url"],
			App:        App(r.Metadata["app"]),
			Entity:     r.Metadata["entity"],
			ChunkIndex: chunkIndex,
			Score:      float64(r.Similarity),
			Metadata:   r.Metadata,
		})
		if len(docs) >= limit {
			break
		}
	}

	return docs, nil
}

// Close persists the index if persistence is enabled.
func (p *ChromemProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persistLocked()
}

func (p *ChromemProvider) persistLocked() error {
	if p.persistPath == "" {
		return nil
	}
	dbPath := p.persistPath + "/index.gob"
	if err := p.db.ExportToFile(dbPath, false, ""); err != nil {
		return fmt.Errorf("failed to persist search index: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
