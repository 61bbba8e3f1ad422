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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/vesper/pkg/attachments"
	"github.com/kadirpekel/vesper/pkg/auth"
	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/observability"
	"github.com/kadirpekel/vesper/pkg/store"
)

// defaultAgentSentinel is the client's placeholder for "no agent".
const defaultAgentSentinel = "default"

// maxAttachmentBytes bounds multipart uploads per request.
const maxAttachmentBytes = 32 << 20

var cuidPattern = regexp.MustCompile(`^c[a-z0-9]{8,31}$`)

// Server is the HTTP front of the runtime.
type Server struct {
	cfg    *config.Config
	orch   *Orchestrator
	store  store.Store
	router chi.Router
	http   *http.Server
	obs    *observability.Observability
}

// NewServer wires the chat routes. authMw is the identity middleware from
// the auth package; nil disables identity handling.
func NewServer(cfg *config.Config, orch *Orchestrator, st store.Store, authMw func(http.Handler) http.Handler) *Server {
	s := &Server{cfg: cfg, orch: orch, store: st}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if authMw != nil {
			r.Use(authMw)
		}
		r.Get("/v1/chat", s.handleChat)
		r.Post("/v1/chat", s.handleChat)
	})

	s.router = r
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	return s
}

// Router exposes the mux so the process can mount extra handlers
// (metrics, profiling) before starting.
func (s *Server) Router() chi.Router {
	return s.router
}

// EnableObservability mounts the Prometheus scrape endpoint and turns on
// per-request run metrics and tracing. Call before Start.
func (s *Server) EnableObservability(obs *observability.Observability) {
	s.obs = obs
	s.router.Handle("/metrics", obs.MetricsHandler())
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, status, errName, errMsg := s.parseChatRequest(r)
	if errName != "" {
		writeHTTPError(w, status, errName, errMsg)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeHTTPError(w, http.StatusInternalServerError, "StreamError", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), StreamTimeout)
	defer cancel()

	start := time.Now()
	if s.obs != nil {
		var span trace.Span
		ctx, span = s.obs.Tracer().Start(ctx, "chat.stream")
		defer span.End()
		sse.OnEvent = func(event string) {
			s.obs.RecordSSEEvent(context.WithoutCancel(ctx), event)
		}
	}
	runStatus := s.orch.Stream(ctx, req, sse)
	if s.obs != nil {
		s.obs.RecordRun(context.WithoutCancel(ctx), string(runStatus), time.Since(start))
	}
	slog.Info("Chat request finished",
		"chat_id", req.ChatID,
		"user_id", req.UserID,
		"status", string(runStatus),
		"request_id", middleware.GetReqID(r.Context()))
}

// parseChatRequest validates query parameters and uploads before any SSE
// byte is written. A non-empty errName means the request is rejected.
func (s *Server) parseChatRequest(r *http.Request) (req *Request, status int, errName, errMsg string) {
	q := r.URL.Query()

	message := q.Get("message")
	if message == "" {
		return nil, http.StatusBadRequest, "InvalidInput", "message is required"
	}

	chatID := q.Get("chatId")
	if chatID != "" {
		if _, err := s.store.GetChat(r.Context(), chatID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, http.StatusNotFound, "ChatNotFound", fmt.Sprintf("chat %s does not exist", chatID)
			}
			return nil, http.StatusInternalServerError, "StorageFailure", err.Error()
		}
	}

	agentID, err := normalizeAgentID(q.Get("agentId"))
	if err != nil {
		return nil, http.StatusBadRequest, "InvalidInput", err.Error()
	}
	if agentID != "" {
		agentCfg, ok := s.cfg.AgentByID(agentID)
		if !ok || !agentCfg.Public {
			return nil, http.StatusForbidden, "AccessDenied", fmt.Sprintf("agent %s is not accessible", agentID)
		}
	}

	var toolsList []ToolsListEntry
	if raw := q.Get("toolsList"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &toolsList); err != nil {
			return nil, http.StatusBadRequest, "InvalidInput", "toolsList is not valid JSON"
		}
	}

	var modelCfg *SelectedModelConfig
	if raw := q.Get("selectedModelConfig"); raw != "" {
		modelCfg = &SelectedModelConfig{}
		if err := json.Unmarshal([]byte(raw), modelCfg); err != nil {
			return nil, http.StatusBadRequest, "InvalidInput", "selectedModelConfig is not valid JSON"
		}
		if err := s.orch.ValidateModel(modelCfg); err != nil {
			return nil, http.StatusBadRequest, "InvalidInput", err.Error()
		}
	}

	uploads, err := readAttachments(r)
	if err != nil {
		return nil, http.StatusBadRequest, "InvalidInput", err.Error()
	}

	id := auth.FromContext(r.Context())
	return &Request{
		Message:     message,
		ChatID:      chatID,
		AgentID:     agentID,
		UserID:      id.UserID,
		WorkspaceID: id.WorkspaceID,
		ToolsList:   toolsList,
		ModelCfg:    modelCfg,
		Attachments: uploads,
	}, 0, "", ""
}

// normalizeAgentID maps the client's default sentinel to none and
// validates explicit ids as CUIDs.
func normalizeAgentID(raw string) (string, error) {
	if raw == "" || raw == defaultAgentSentinel {
		return "", nil
	}
	if !cuidPattern.MatchString(raw) {
		return "", fmt.Errorf("agentId %q is not a valid agent id", raw)
	}
	return raw, nil
}

// readAttachments collects multipart file uploads on POST requests.
func readAttachments(r *http.Request) ([]*attachments.Attachment, error) {
	if r.Method != http.MethodPost {
		return nil, nil
	}
	mediaType := r.Header.Get("Content-Type")
	if mediaType == "" || !isMultipart(mediaType) {
		return nil, nil
	}
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		return nil, fmt.Errorf("failed to parse attachments: %w", err)
	}
	if r.MultipartForm == nil {
		return nil, nil
	}

	var out []*attachments.Attachment
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment %s: %w", header.Filename, err)
			}
			data, err := io.ReadAll(io.LimitReader(f, maxAttachmentBytes))
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment %s: %w", header.Filename, err)
			}
			out = append(out, &attachments.Attachment{
				ID:       "attf_" + uuid.NewString(),
				FileName: header.Filename,
				Data:     data,
			})
		}
	}
	return out, nil
}

func isMultipart(contentType string) bool {
	return len(contentType) >= 19 && contentType[:19] == "multipart/form-data"
}

func writeHTTPError(w http.ResponseWriter, status int, name, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorPayload{Error: name, Message: message})
}

// StreamTimeout guards against runs that never terminate; the engine's
// own turn budget normally ends a run far earlier.
const StreamTimeout = 30 * time.Minute
