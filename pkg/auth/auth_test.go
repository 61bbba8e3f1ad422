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

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/config"
)

func identityEcho() (http.Handler, *Identity) {
	captured := &Identity{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}), captured
}

func TestMiddlewareDisabledUsesHeaders(t *testing.T) {
	mw, err := Middleware(context.Background(), config.AuthConfig{Enabled: false})
	require.NoError(t, err)

	handler, captured := identityEcho()
	req := httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
	req.Header.Set("X-User-Id", "user-7")
	req.Header.Set("X-Workspace-Id", "ws-3")
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", captured.UserID)
	assert.Equal(t, "ws-3", captured.WorkspaceID)
}

func TestMiddlewareDisabledDefaults(t *testing.T) {
	mw, err := Middleware(context.Background(), config.AuthConfig{Enabled: false})
	require.NoError(t, err)

	handler, captured := identityEcho()
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat", nil))

	assert.Equal(t, "anonymous", captured.UserID)
	assert.Equal(t, "default", captured.WorkspaceID)
}

func newJWKSServer(t *testing.T) (*httptest.Server, jwk.Key) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := priv.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv, priv
}

func signedToken(t *testing.T, priv jwk.Key, subject, workspace string) string {
	t.Helper()
	token, err := jwt.NewBuilder().
		Subject(subject).
		Issuer("vesper-test").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("workspace_id", workspace).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)
	return string(signed)
}

func TestMiddlewareValidatesToken(t *testing.T) {
	srv, priv := newJWKSServer(t)

	mw, err := Middleware(context.Background(), config.AuthConfig{
		Enabled: true,
		JWKSURL: srv.URL,
		Issuer:  "vesper-test",
	})
	require.NoError(t, err)

	handler, captured := identityEcho()
	req := httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, priv, "user-42", "ws-9"))
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", captured.UserID)
	assert.Equal(t, "ws-9", captured.WorkspaceID)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	srv, _ := newJWKSServer(t)

	mw, err := Middleware(context.Background(), config.AuthConfig{
		Enabled: true,
		JWKSURL: srv.URL,
	})
	require.NoError(t, err)

	handler, _ := identityEcho()
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Unauthorized", body["error"])
}

func TestMiddlewareRejectsWrongIssuer(t *testing.T) {
	srv, priv := newJWKSServer(t)

	mw, err := Middleware(context.Background(), config.AuthConfig{
		Enabled: true,
		JWKSURL: srv.URL,
		Issuer:  "someone-else",
	})
	require.NoError(t, err)

	handler, _ := identityEcho()
	req := httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, priv, "user-1", "ws-1"))
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
