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

// Package store persists chats, messages, and run traces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kadirpekel/vesper/pkg/config"
)

// ErrNotFound is returned for lookups of chats or messages that do not exist.
var ErrNotFound = errors.New("not found")

// Chat is one conversation thread.
type Chat struct {
	ID          string
	UserID      string
	WorkspaceID string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one persisted chat message.
type Message struct {
	ID        string
	ChatID    string
	Role      string // user, assistant
	Content   string
	CreatedAt time.Time
}

// Trace captures the execution summary of one run, attached to the
// assistant message it produced.
type Trace struct {
	RunID        string
	MessageID    string
	ChatID       string
	Status       string
	Turns        int
	CostUsd      float64
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	ReviewJSON   string
	CreatedAt    time.Time
}

// Store is the persistence boundary of the runtime.
type Store interface {
	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	UpdateChatTitle(ctx context.Context, id, title string) error

	AppendMessage(ctx context.Context, msg *Message) error
	Messages(ctx context.Context, chatID string) ([]*Message, error)

	SaveTrace(ctx context.Context, trace *Trace) error
	TraceForMessage(ctx context.Context, messageID string) (*Trace, error)

	Close() error
}

// Open builds the store selected by cfg.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "sqlite", "postgres":
		return OpenSQL(cfg.Backend, cfg.DSN)
	default:
		return NewMemoryStore(), nil
	}
}
