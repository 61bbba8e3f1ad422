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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/search"
	"github.com/kadirpekel/vesper/pkg/store"
	"github.com/kadirpekel/vesper/pkg/tool"
)

// scriptedProvider replays canned model behavior: Generate consumes the
// script, GenerateStreaming streams chunks for the synthesizer, and
// GenerateStructured answers reviews with ok.
type scriptedProvider struct {
	script []*model.Response
	chunks []string
	// citeFirstKey makes streaming cite the first labeled passage of the
	// synthesis prompt, since attachment ids are generated per request.
	citeFirstKey bool
	// holdStream keeps the stream open after the scripted chunks until
	// the context is cancelled.
	holdStream bool
	calls      int
}

var passageKeyPattern = regexp.MustCompile(`\[([A-Za-z0-9._:\-]+_\d+)\]`)

func (p *scriptedProvider) Generate(_ context.Context, _ []model.Message, _ []model.ToolDefinition) (*model.Response, error) {
	if p.calls >= len(p.script) {
		return &model.Response{Text: "done"}, nil
	}
	resp := p.script[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, messages []model.Message, _ []model.ToolDefinition) (<-chan model.StreamChunk, error) {
	chunks := p.chunks
	if p.citeFirstKey {
		key := ""
		for _, m := range messages {
			if m.Role != model.RoleUser {
				continue
			}
			if match := passageKeyPattern.FindStringSubmatch(m.Content); match != nil {
				key = match[1]
				break
			}
		}
		chunks = []string{"The uploaded notes cover this. ", fmt.Sprintf("K[%s]", key)}
	}

	out := make(chan model.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- model.StreamChunk{Type: "text", Text: c}:
			case <-ctx.Done():
				return
			}
		}
		if p.holdStream {
			<-ctx.Done()
			return
		}
		out <- model.StreamChunk{Type: "done"}
	}()
	return out, nil
}

func (p *scriptedProvider) GenerateStructured(_ context.Context, _ []model.Message, _ *model.StructuredOutputConfig) (*model.Response, error) {
	return &model.Response{Text: `{"status":"ok","planChangeNeeded":false,"recommendation":"proceed","ambiguityResolved":true}`}, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) MaxTokens() int    { return 4096 }
func (p *scriptedProvider) Close() error      { return nil }

type emptyIndex struct{}

func (emptyIndex) Search(context.Context, search.Query) ([]search.Document, error) { return nil, nil }
func (emptyIndex) Index(context.Context, ...search.Document) error                 { return nil }
func (emptyIndex) Close() error                                                    { return nil }

func newTestServer(t *testing.T, provider model.Provider, mutate func(*config.Config)) (*httptest.Server, store.Store) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	providers := model.NewProviderRegistry()
	require.NoError(t, providers.Register("primary", provider))

	st := store.NewMemoryStore()
	orch := NewOrchestrator(cfg, st, providers, emptyIndex{})
	srv := NewServer(cfg, orch, st, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = name
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = data
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func eventsNamed(events []sseEvent, name string) []sseEvent {
	var out []sseEvent
	for _, ev := range events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

func synthCall() *model.Response {
	return &model.Response{ToolCalls: []model.ToolCall{
		{ID: "c1", Name: tool.NameSynthesize, Args: map[string]any{}},
	}}
}

func TestChatPlainQuestion(t *testing.T) {
	provider := &scriptedProvider{
		script: []*model.Response{synthCall()},
		chunks: []string{"Hello", " there"},
	}
	ts, _ := newTestServer(t, provider, nil)

	resp, err := http.Get(ts.URL + "/v1/chat?message=hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	events := parseSSE(t, string(body))

	require.NotEmpty(t, events)
	assert.Equal(t, SSEResponseMetadata, events[0].name)
	var first ResponseMetadata
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &first))
	assert.NotEmpty(t, first.ChatID)
	assert.Empty(t, first.MessageID)

	reasonings := eventsNamed(events, SSEReasoning)
	require.NotEmpty(t, reasonings)
	assert.Contains(t, reasonings[0].data, "Turn 0 started")

	var answer strings.Builder
	for _, ev := range eventsNamed(events, SSEResponseUpdate) {
		var chunk string
		require.NoError(t, json.Unmarshal([]byte(ev.data), &chunk))
		answer.WriteString(chunk)
	}
	assert.Equal(t, "Hello there", answer.String())

	metadatas := eventsNamed(events, SSEResponseMetadata)
	require.Len(t, metadatas, 2)
	var second ResponseMetadata
	require.NoError(t, json.Unmarshal([]byte(metadatas[1].data), &second))
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.NotEmpty(t, second.MessageID)

	assert.Equal(t, SSEEnd, events[len(events)-1].name)
	assert.Empty(t, eventsNamed(events, SSECitationsUpdate))
	assert.Empty(t, eventsNamed(events, SSEError))
}

func TestChatPersistsMessagesAndTrace(t *testing.T) {
	provider := &scriptedProvider{
		script: []*model.Response{synthCall()},
		chunks: []string{"All good."},
	}
	ts, st := newTestServer(t, provider, nil)

	resp, err := http.Get(ts.URL + "/v1/chat?message=status+update")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	events := parseSSE(t, string(body))
	var meta ResponseMetadata
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &meta))

	msgs, err := st.Messages(context.Background(), meta.ChatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "status update", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "All good.", msgs[1].Content)

	trace, err := st.TraceForMessage(context.Background(), msgs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "done", trace.Status)
	assert.Equal(t, meta.ChatID, trace.ChatID)

	chat, err := st.GetChat(context.Background(), meta.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "status update", chat.Title)
}

func TestChatAttachmentGroundedAnswer(t *testing.T) {
	provider := &scriptedProvider{
		script:       []*model.Response{synthCall()},
		citeFirstKey: true,
	}
	ts, _ := newTestServer(t, provider, nil)

	// Two paragraphs sized to split into exactly two fragments.
	para := strings.Repeat("quarterly revenue details ", 40)
	content := para + "\n\n" + para

	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	part, err := mp.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mp.Close())

	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/v1/chat?message="+url.QueryEscape("what do my notes say?"), &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mp.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	events := parseSSE(t, string(body))
	reasonings := eventsNamed(events, SSEReasoning)
	require.GreaterOrEqual(t, len(reasonings), 2)
	assert.Contains(t, reasonings[0].data, "Analyzing user-provided attachments...")
	assert.Contains(t, reasonings[1].data, "Extracted 2 context fragments")

	attachmentUpdates := eventsNamed(events, SSEAttachmentUpdate)
	require.Len(t, attachmentUpdates, 1)
	var upd AttachmentUpdate
	require.NoError(t, json.Unmarshal([]byte(attachmentUpdates[0].data), &upd))
	assert.NotEmpty(t, upd.MessageID)
	assert.Equal(t, []string{"notes.txt"}, upd.Attachments)

	citations := eventsNamed(events, SSECitationsUpdate)
	require.Len(t, citations, 1)
	var cu struct {
		ContextChunks []Citation     `json:"contextChunks"`
		CitationMap   map[string]int `json:"citationMap"`
	}
	require.NoError(t, json.Unmarshal([]byte(citations[0].data), &cu))
	require.NotEmpty(t, cu.ContextChunks)
	assert.Equal(t, 0, cu.CitationMap["1"])
	assert.Equal(t, "attachment", cu.ContextChunks[0].App)

	assert.Equal(t, SSEEnd, events[len(events)-1].name)
}

func TestChatCancellationMidStream(t *testing.T) {
	provider := &scriptedProvider{
		script:     []*model.Response{synthCall()},
		chunks:     []string{"chunk one ", "chunk two "},
		holdStream: true,
	}
	ts, st := newTestServer(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/v1/chat?message=tell+me+everything", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var received []sseEvent
	var chatID string
	scanner := bufio.NewScanner(resp.Body)
	var current sseEvent
	updates := 0
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			current.name = name
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			current.data = data
			received = append(received, current)
			if current.name == SSEResponseMetadata && chatID == "" {
				var meta ResponseMetadata
				require.NoError(t, json.Unmarshal([]byte(data), &meta))
				chatID = meta.ChatID
			}
			if current.name == SSEResponseUpdate {
				updates++
				if updates == 2 {
					cancel()
				}
			}
		}
	}

	assert.Equal(t, 2, updates)
	assert.Empty(t, eventsNamed(received, SSEError))
	assert.LessOrEqual(t, len(eventsNamed(received, SSEEnd)), 1)

	// The trace for the last persisted message is written after cancel.
	require.NotEmpty(t, chatID)
	require.Eventually(t, func() bool {
		msgs, err := st.Messages(context.Background(), chatID)
		if err != nil || len(msgs) == 0 {
			return false
		}
		trace, err := st.TraceForMessage(context.Background(), msgs[len(msgs)-1].ID)
		return err == nil && trace.Status == "stopped"
	}, 5*time.Second, 25*time.Millisecond)
}

func TestChatRequestValidation(t *testing.T) {
	provider := &scriptedProvider{}
	ts, st := newTestServer(t, provider, func(cfg *config.Config) {
		cfg.Agents = []config.AgentConfig{
			{ID: "cprivatesales1", Name: "Sales", Public: false},
		}
	})

	require.NoError(t, st.CreateChat(context.Background(), &store.Chat{ID: "chat-1", UserID: "u", WorkspaceID: "w"}))

	cases := []struct {
		name       string
		query      url.Values
		wantStatus int
		wantError  string
	}{
		{"missing message", url.Values{}, http.StatusBadRequest, "InvalidInput"},
		{"unknown chat", url.Values{"message": {"hi"}, "chatId": {"nope"}}, http.StatusNotFound, "ChatNotFound"},
		{"malformed agent id", url.Values{"message": {"hi"}, "agentId": {"NOT_A_CUID"}}, http.StatusBadRequest, "InvalidInput"},
		{"private agent", url.Values{"message": {"hi"}, "agentId": {"cprivatesales1"}}, http.StatusForbidden, "AccessDenied"},
		{"unknown agent", url.Values{"message": {"hi"}, "agentId": {"cunknownagent9"}}, http.StatusForbidden, "AccessDenied"},
		{"bad toolsList", url.Values{"message": {"hi"}, "toolsList": {"not-json"}}, http.StatusBadRequest, "InvalidInput"},
		{"bad model", url.Values{"message": {"hi"}, "selectedModelConfig": {`{"model":"nope"}`}}, http.StatusBadRequest, "InvalidInput"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/chat?" + tc.query.Encode())
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.wantStatus, resp.StatusCode)

			var payload ErrorPayload
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			assert.Equal(t, tc.wantError, payload.Error)
		})
	}
}

func TestChatDefaultAgentSentinelNormalized(t *testing.T) {
	provider := &scriptedProvider{
		script: []*model.Response{synthCall()},
		chunks: []string{"hi"},
	}
	ts, _ := newTestServer(t, provider, nil)

	resp, err := http.Get(ts.URL + "/v1/chat?message=hi&agentId=default")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatExistingChatReusesID(t *testing.T) {
	provider := &scriptedProvider{
		script: []*model.Response{synthCall()},
		chunks: []string{"again"},
	}
	ts, st := newTestServer(t, provider, nil)
	require.NoError(t, st.CreateChat(context.Background(), &store.Chat{ID: "chat-7", UserID: "u", WorkspaceID: "w", Title: "t"}))

	resp, err := http.Get(ts.URL + "/v1/chat?message=hi&chatId=chat-7")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	events := parseSSE(t, string(body))
	var meta ResponseMetadata
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &meta))
	assert.Equal(t, "chat-7", meta.ChatID)
	// No title update for an existing chat.
	assert.Empty(t, eventsNamed(events, SSEChatTitleUpdate))
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "New chat", deriveTitle("   "))
	assert.Equal(t, "what grew in q3", deriveTitle("what   grew\nin q3"))
	long := strings.Repeat("word ", 30)
	title := deriveTitle(long)
	assert.LessOrEqual(t, len(title), maxTitleLen+3)
	assert.True(t, strings.HasSuffix(title, "..."))

	// Multi-byte runes near the cutoff must not be split.
	for pad := 0; pad < 3; pad++ {
		title := deriveTitle(strings.Repeat("x", pad) + strings.Repeat("ü", maxTitleLen))
		assert.True(t, utf8.ValidString(title), "pad %d yields invalid UTF-8: %q", pad, title)
		assert.True(t, strings.HasSuffix(title, "..."))
	}
}

func TestNormalizeAgentID(t *testing.T) {
	id, err := normalizeAgentID("")
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = normalizeAgentID("default")
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = normalizeAgentID("cabc123def456")
	require.NoError(t, err)
	assert.Equal(t, "cabc123def456", id)

	_, err = normalizeAgentID("Hello World")
	assert.Error(t, err)
}

func TestSSEWriterEndIsIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	require.NoError(t, err)

	sse.End()
	sse.End()
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event: End"))

	err = sse.Send(SSEReasoning, Reasoning{Text: "late"})
	assert.Error(t, err)
}
