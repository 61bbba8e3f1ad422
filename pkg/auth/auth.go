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

// Package auth validates request identity for the chat endpoint. With
// auth enabled, bearer tokens are verified against a JWKS endpoint; with
// auth disabled, identity falls back to request headers for local use.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/vesper/pkg/config"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID      string
	WorkspaceID string
}

type contextKey struct{}

// FromContext returns the request identity set by the middleware.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextKey{}).(Identity); ok {
		return id
	}
	return Identity{UserID: "anonymous", WorkspaceID: "default"}
}

// WithIdentity attaches an identity to a context, used in tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

const workspaceClaim = "workspace_id"

// Middleware builds the identity middleware for cfg. With auth disabled
// the returned middleware reads X-User-Id and X-Workspace-Id headers.
func Middleware(ctx context.Context, cfg config.AuthConfig) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled {
		return headerIdentity, nil
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL); err != nil {
		return nil, err
	}
	keys := jwk.NewCachedSet(cache, cfg.JWKSURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			options := []jwt.ParseOption{
				jwt.WithKeySet(keys),
				jwt.WithValidate(true),
			}
			if cfg.Issuer != "" {
				options = append(options, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				options = append(options, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseRequest(r, options...)
			if err != nil {
				slog.Debug("Rejected request with invalid token", "error", err)
				writeUnauthorized(w)
				return
			}

			id := Identity{UserID: token.Subject(), WorkspaceID: "default"}
			if ws, ok := token.Get(workspaceClaim); ok {
				if s, ok := ws.(string); ok && s != "" {
					id.WorkspaceID = s
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}, nil
}

func headerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			UserID:      r.Header.Get("X-User-Id"),
			WorkspaceID: r.Header.Get("X-Workspace-Id"),
		}
		if id.UserID == "" {
			id.UserID = "anonymous"
		}
		if id.WorkspaceID == "" {
			id.WorkspaceID = "default"
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "Unauthorized",
		"message": "a valid bearer token is required",
	})
}
