package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/config"
)

// fakeMCPServer speaks just enough JSON-RPC to exercise the HTTP transport.
func fakeMCPServer(t *testing.T, useSSE bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "create_issue",
						"description": "Create a tracker issue",
						"inputSchema": map[string]any{"type": "object"},
					},
					map[string]any{
						"name":        "delete_project",
						"description": "Dangerous",
					},
				},
			}
		case "tools/call":
			params := req.Params.(map[string]any)
			args, _ := params["arguments"].(map[string]any)
			if args["boom"] == true {
				result = map[string]any{
					"isError": true,
					"content": []any{map[string]any{"type": "text", "text": "server exploded"}},
				}
			} else {
				result = map[string]any{
					"content": []any{map[string]any{"type": "text", "text": "issue VES-1 created"}},
				}
			}
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}

		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
		payload, err := json.Marshal(resp)
		require.NoError(t, err)

		w.Header().Set("mcp-session-id", "sess-1")
		if useSSE {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}))
}

func TestConnectorListsAndCallsToolsOverHTTP(t *testing.T) {
	server := fakeMCPServer(t, false)
	defer server.Close()

	conn, err := New(config.MCPConnectorConfig{
		ID:        "tracker",
		Name:      "Issue Tracker",
		URL:       server.URL,
		Transport: "streamable-http",
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "tracker", conn.ID())
	assert.Equal(t, "Issue Tracker", conn.DisplayName())

	tools, err := conn.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "create_issue", tools[0].Name())
	assert.Equal(t, "Create a tracker issue", tools[0].Description())
	assert.Equal(t, "object", tools[0].Schema()["type"])

	result, err := tools[0].Call(context.Background(), map[string]any{"title": "bug"})
	require.NoError(t, err)
	assert.Equal(t, "issue VES-1 created", result["result"])
}

func TestConnectorSSETransport(t *testing.T) {
	server := fakeMCPServer(t, true)
	defer server.Close()

	conn, err := New(config.MCPConnectorConfig{
		ID:        "tracker",
		URL:       server.URL,
		Transport: "sse",
	})
	require.NoError(t, err)
	defer conn.Close()

	tools, err := conn.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	result, err := tools[0].Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "issue VES-1 created", result["result"])
}

func TestConnectorFilter(t *testing.T) {
	server := fakeMCPServer(t, false)
	defer server.Close()

	conn, err := New(config.MCPConnectorConfig{
		ID:    "tracker",
		URL:   server.URL,
		Tools: []string{"create_issue"},
	})
	require.NoError(t, err)
	defer conn.Close()

	tools, err := conn.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "create_issue", tools[0].Name())
}

func TestConnectorToolErrorSurfacesInResult(t *testing.T) {
	server := fakeMCPServer(t, false)
	defer server.Close()

	conn, err := New(config.MCPConnectorConfig{ID: "tracker", URL: server.URL})
	require.NoError(t, err)
	defer conn.Close()

	tools, err := conn.Tools(context.Background())
	require.NoError(t, err)

	result, err := tools[0].Call(context.Background(), map[string]any{"boom": true})
	require.NoError(t, err)
	assert.Equal(t, "server exploded", result["error"])
}

func TestConnectorRequiresEndpoint(t *testing.T) {
	_, err := New(config.MCPConnectorConfig{ID: "x"})
	assert.Error(t, err)
}

func TestConnectorDisplayNameFallsBackToID(t *testing.T) {
	conn, err := New(config.MCPConnectorConfig{ID: "linear", URL: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "linear", conn.DisplayName())
}
