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

package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSE event names on the chat stream.
const (
	SSEResponseMetadata    = "ResponseMetadata"
	SSEChatTitleUpdate     = "ChatTitleUpdate"
	SSEAttachmentUpdate    = "AttachmentUpdate"
	SSEReasoning           = "Reasoning"
	SSEResponseUpdate      = "ResponseUpdate"
	SSECitationsUpdate     = "CitationsUpdate"
	SSEImageCitationUpdate = "ImageCitationUpdate"
	SSEError               = "Error"
	SSEEnd                 = "End"
)

// ResponseMetadata identifies the chat, and once persisted, the assistant
// message. Sent before streaming starts and again after persistence.
type ResponseMetadata struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
}

// ReasoningStep carries structured detail on a reasoning update.
type ReasoningStep struct {
	Type      string `json:"type"`
	Iteration int    `json:"iteration,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Status    string `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Reasoning is a progress update shown to the user while the run works.
type Reasoning struct {
	Text         string         `json:"text"`
	Step         *ReasoningStep `json:"step,omitempty"`
	QuickSummary string         `json:"quickSummary,omitempty"`
}

// AttachmentUpdate reports attachments persisted with a message.
type AttachmentUpdate struct {
	MessageID   string   `json:"messageId"`
	Attachments []string `json:"attachments"`
}

// Citation is one context chunk referenced by the final answer.
type Citation struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	App        string `json:"app,omitempty"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunkIndex"`
}

// CitationsUpdate maps citation ordinals in the answer text to indexes
// into ContextChunks.
type CitationsUpdate struct {
	ContextChunks []Citation  `json:"contextChunks"`
	CitationMap   map[int]int `json:"citationMap"`
}

// ImageCitation references an image surfaced in the final answer.
type ImageCitation struct {
	FileName         string `json:"fileName"`
	SourceFragmentID string `json:"sourceFragmentId,omitempty"`
}

// ErrorPayload is the terminal error event of a failed run.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// SSEWriter serializes server-sent events onto one HTTP response. Sends
// are mutex-guarded because the synthesizer streams from the tool call
// while the orchestrator loop emits reasoning events.
type SSEWriter struct {
	w http.ResponseWriter
	f http.Flusher

	// OnEvent, when set, observes each event name as it is written.
	OnEvent func(event string)

	mu      sync.Mutex
	sentEnd bool
}

// NewSSEWriter prepares the response for event streaming.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, f: f}, nil
}

// Send writes one event. The payload is JSON-encoded; a nil payload
// yields an empty data line.
func (s *SSEWriter) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentEnd {
		return fmt.Errorf("stream already ended")
	}

	data := "{}"
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", event, err)
		}
		data = string(encoded)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.f.Flush()
	if s.OnEvent != nil {
		s.OnEvent(event)
	}
	return nil
}

// End emits the terminal End event at most once, whatever path ends the
// stream.
func (s *SSEWriter) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentEnd {
		return
	}
	s.sentEnd = true
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: {}\n\n", SSEEnd); err == nil {
		s.f.Flush()
		if s.OnEvent != nil {
			s.OnEvent(SSEEnd)
		}
	}
}
