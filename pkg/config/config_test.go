package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, DefaultOllamaURL, cfg.LLM.BaseURL)
	assert.Equal(t, cfg.LLM.Model, cfg.LLM.OCRModel)
	assert.Equal(t, DefaultAgentName, cfg.Agent.Name)
	assert.Equal(t, DefaultInstruction, cfg.Agent.Instruction)
	assert.Equal(t, DefaultGroundingTemplate, cfg.Document.GroundingTemplate)
	assert.Equal(t, 2*time.Second, cfg.MCP.RetryInterval)
	assert.Equal(t, 30, cfg.MCP.MaxAttempts)
	assert.Equal(t, 300, cfg.Document.DPI)
	assert.Equal(t, 5*time.Minute, cfg.Document.OCRTimeout)
	assert.False(t, cfg.Session.KeepContext)
	assert.True(t, cfg.Observability.Metrics.IsEnabled())
	assert.False(t, cfg.Server.RateLimit.Enabled)
	assert.Empty(t, cfg.Server.RateLimit.Limits)
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.Document.OCRTimeout+cfg.Agent.TurnTimeout)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_OLLAMA_HOST", "http://ollama:11434")

	path := writeConfig(t, `
server:
  port: 9090
llm:
  base_url: ${TEST_OLLAMA_HOST}
  model: qwen2.5vl
  timeout: 90s
agent:
  max_iterations: 4
mcp:
  retry_interval: 500ms
  max_attempts: 5
  servers:
    - url: http://search:8080/sse
    - name: files
      command: mcp-files
      args: [--root, /data]
session:
  keep_context: true
document:
  ocr_model_unused_key_guard: ${MISSING:-x}
`)
	_, err := Load(path)
	require.Error(t, err, "unknown keys must be rejected")

	path = writeConfig(t, `
server:
  port: 9090
llm:
  base_url: ${TEST_OLLAMA_HOST}
  model: qwen2.5vl
  timeout: 90s
agent:
  max_iterations: 4
mcp:
  retry_interval: 500ms
  max_attempts: 5
  servers:
    - url: http://search:8080/sse
    - name: files
      command: mcp-files
      args: [--root, /data]
session:
  keep_context: true
document:
  staging_dir: ${STAGING:-/tmp/docagent}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://ollama:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "qwen2.5vl", cfg.LLM.OCRModel)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 4, cfg.Agent.MaxIterations)
	assert.Equal(t, 500*time.Millisecond, cfg.MCP.RetryInterval)
	assert.Equal(t, 5, cfg.MCP.MaxAttempts)
	assert.True(t, cfg.Session.KeepContext)
	assert.Equal(t, "/tmp/docagent", cfg.Document.StagingDir)

	require.Len(t, cfg.MCP.Servers, 2)
	assert.Equal(t, "mcp-1", cfg.MCP.Servers[0].Name)
	assert.Equal(t, TransportSSE, cfg.MCP.Servers[0].Transport)
	assert.Equal(t, TransportStdio, cfg.MCP.Servers[1].Transport)
	assert.Equal(t, []string{"--root", "/data"}, cfg.MCP.Servers[1].Args)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "llm:\n  model: from-file\n")
	t.Setenv(EnvModel, "from-env")
	t.Setenv(EnvKeepContext, "true")
	t.Setenv(EnvMCPServers, "http://a:1/mcp, http://b:2/sse")
	t.Setenv(EnvRetryInterval, "3")
	t.Setenv(EnvRateLimit, "12")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.True(t, cfg.Session.KeepContext)
	assert.Equal(t, 3*time.Second, cfg.MCP.RetryInterval)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, []RateLimitRule{{Window: "minute", Limit: 12}}, cfg.Server.RateLimit.Limits)
	require.Len(t, cfg.MCP.Servers, 2)
	assert.Equal(t, "a:1", cfg.MCP.Servers[0].Name)
	assert.Equal(t, TransportStreamableHTTP, cfg.MCP.Servers[0].Transport)
	assert.Equal(t, TransportSSE, cfg.MCP.Servers[1].Transport)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv(EnvKeepContext, "maybe")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad_provider", func(c *Config) { c.LLM.Provider = "bedrock" }, "unsupported provider"},
		{"gemini_needs_key", func(c *Config) { c.LLM.Provider = ProviderGemini; c.LLM.APIKey = "" }, "api_key"},
		{"bad_port", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"no_attempts", func(c *Config) { c.MCP.MaxAttempts = -1 }, "max_attempts"},
		{"stdio_without_command", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "x", Transport: TransportStdio}}
		}, "command is required"},
		{"duplicate_names", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{
				{Name: "x", URL: "http://a/mcp", Transport: TransportStreamableHTTP},
				{Name: "x", URL: "http://b/mcp", Transport: TransportStreamableHTTP},
			}
		}, "duplicate name"},
		{"bad_rate_window", func(c *Config) {
			c.Server.RateLimit.Limits = []RateLimitRule{{Window: "week", Limit: 5}}
		}, "unsupported window"},
		{"zero_rate_limit", func(c *Config) {
			c.Server.RateLimit.Limits = []RateLimitRule{{Window: "minute"}}
		}, "limit must be positive"},
		{"grounding_missing_question", func(c *Config) { c.Document.GroundingTemplate = "{document}" }, "must reference"},
		{"grounding_unknown_placeholder", func(c *Config) { c.Document.GroundingTemplate = "{document} {question} {page}" }, "grounding_template"},
		{"instruction_unknown_placeholder", func(c *Config) { c.Agent.Instruction = "Sos {persona}" }, "agent.instruction"},
		{"bad_exporter", func(c *Config) { c.Observability.Tracing.Exporter = "zipkin" }, "unsupported exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseMCPServers(t *testing.T) {
	servers := ParseMCPServers(" http://tools:8000/sse ,, stdio:uvx mcp-server-time --local-timezone UTC, http://tools:8000/mcp")
	require.Len(t, servers, 3)

	assert.Equal(t, "tools:8000", servers[0].Name)
	assert.Equal(t, TransportSSE, servers[0].Transport)

	assert.Equal(t, "uvx", servers[1].Name)
	assert.Equal(t, TransportStdio, servers[1].Transport)
	assert.Equal(t, []string{"mcp-server-time", "--local-timezone", "UTC"}, servers[1].Args)

	assert.Equal(t, "tools:8000#2", servers[2].Name)
	assert.Equal(t, TransportStreamableHTTP, servers[2].Transport)
}

func TestDetectTransport(t *testing.T) {
	tests := map[string]string{
		"http://x/sse":        TransportSSE,
		"http://x/sse/":       TransportSSE,
		"http://x/sse?k=v":    TransportSSE,
		"http://x/mcp":        TransportStreamableHTTP,
		"http://x/ssestream":  TransportStreamableHTTP,
		"http://x:9000":       TransportStreamableHTTP,
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectTransport(in, ""), in)
	}
	assert.Equal(t, TransportStdio, DetectTransport("", "server"))
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("DA_SET", "value")
	assert.Equal(t, "value", expandEnvString("${DA_SET}"))
	assert.Equal(t, "value/x", expandEnvString("$DA_SET/x"))
	assert.Equal(t, "fallback", expandEnvString("${DA_UNSET:-fallback}"))
	assert.Equal(t, "plain", expandEnvString("plain"))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, os.WriteFile(".env", []byte("DA_DOTENV_NEW=fromfile\nDA_DOTENV_SET=fromfile\n"), 0o644))
	t.Setenv("DA_DOTENV_SET", "fromenv")
	t.Setenv("DA_DOTENV_NEW", "")
	require.NoError(t, os.Unsetenv("DA_DOTENV_NEW"))

	require.NoError(t, LoadDotEnv())
	t.Cleanup(func() { _ = os.Unsetenv("DA_DOTENV_NEW") })

	assert.Equal(t, "fromfile", os.Getenv("DA_DOTENV_NEW"))
	assert.Equal(t, "fromenv", os.Getenv("DA_DOTENV_SET"))
}
