// Package vesper provides an enterprise agentic chat runtime.
//
// Vesper runs turn-structured agent conversations over server-sent events:
// each request drives a planning loop that searches workspace content,
// calls MCP connector tools, delegates to configured agents, and streams a
// reviewed, citation-grounded final answer back to the client.
//
// # Quick Start
//
// Install vesper:
//
//	go install github.com/kadirpekel/vesper/cmd/vesper@latest
//
// Create a configuration:
//
//	yaml
//	providers:
//	  primary:
//	    type: "anthropic"
//	    model: "claude-sonnet-4-20250514"
//	    api_key: "${ANTHROPIC_API_KEY}"
//
//	storage:
//	  backend: "sqlite"
//
// Start the server:
//
//	vesper serve --config config.yaml
//
// Then stream a chat:
//
//	curl -N "http://localhost:8080/v1/chat?message=hello"
//
// # Packages
//
// The runtime lives under pkg/: pkg/engine drives the turn loop, pkg/run
// holds per-run state, pkg/tool hosts the built-in and MCP toolsets,
// pkg/transport serves the SSE endpoint, and pkg/store persists chats,
// messages, and run traces.
package vesper
