package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{
		Providers: map[string]LLMProviderConfig{
			"primary": {Type: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
	}
	cfg.SetDefaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Engine.MaxTurns)
	assert.Equal(t, 25, cfg.Engine.MaxDelegationTurns)
	assert.Equal(t, 30, cfg.Engine.ToolBudget)
	assert.Equal(t, 60*time.Second, cfg.Engine.DuplicateWindow)
	assert.Equal(t, 3, cfg.Engine.FailureBudget)
	assert.Equal(t, "inmemory", cfg.Storage.Backend)
	assert.Equal(t, "primary", cfg.LLM.Primary)
	assert.Equal(t, "primary", cfg.LLM.Fast)
	assert.Equal(t, "https://api.anthropic.com", cfg.Providers["primary"].Host)
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := &Config{
			Providers: map[string]LLMProviderConfig{
				"primary": {Type: "anthropic", Model: "claude-sonnet-4-20250514"},
			},
		}
		cfg.SetDefaults()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown provider reference", func(t *testing.T) {
		cfg := &Config{
			LLM: LLMConfig{Primary: "missing"},
			Providers: map[string]LLMProviderConfig{
				"primary": {Type: "anthropic", Model: "m"},
			},
		}
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("delegation turn cap", func(t *testing.T) {
		cfg := &Config{Engine: EngineConfig{MaxDelegationTurns: 26}}
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("duplicate connector id", func(t *testing.T) {
		cfg := &Config{
			Connectors: []MCPConnectorConfig{
				{ID: "linear", URL: "https://mcp.linear.app/mcp"},
				{ID: "linear", URL: "https://mcp.linear.app/mcp"},
			},
		}
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("invalid storage backend", func(t *testing.T) {
		cfg := &Config{Storage: StorageConfig{Backend: "redis"}}
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vesper.yaml")

	require.NoError(t, os.Setenv("VESPER_TEST_KEY", "sk-test"))
	defer os.Unsetenv("VESPER_TEST_KEY")

	content := `
server:
  port: 9090
llm:
  primary: main
providers:
  main:
    type: anthropic
    model: claude-sonnet-4-20250514
    api_key: ${VESPER_TEST_KEY}
workspace:
  gmail_synced: true
agents:
  - id: fin-reporter
    name: Financial Reporter
    description: Quarterly report automation
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Providers["main"].APIKey)
	assert.True(t, cfg.Workspace.GmailSynced)

	agent, ok := cfg.AgentByID("FIN-REPORTER")
	require.True(t, ok)
	assert.Equal(t, "Financial Reporter", agent.Name)
}

func TestExpandEnvVarsInData(t *testing.T) {
	require.NoError(t, os.Setenv("VESPER_PORT", "7070"))
	defer os.Unsetenv("VESPER_PORT")

	data := map[string]interface{}{
		"port":    "${VESPER_PORT}",
		"host":    "${VESPER_MISSING:-localhost}",
		"literal": "plain",
	}
	out := ExpandEnvVarsInData(data).(map[string]interface{})

	assert.Equal(t, int64(7070), out["port"])
	assert.Equal(t, "localhost", out["host"])
	assert.Equal(t, "plain", out["literal"])
}
