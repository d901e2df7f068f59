package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/docagent/pkg/config"
)

func TestServeCmd_Apply(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()

	keep := true
	cmd := &ServeCmd{Port: 9001, KeepContext: &keep, MCPServers: "http://tools:8000/sse"}
	require.NoError(t, cmd.apply(cfg))

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.True(t, cfg.Session.KeepContext)
	require.Len(t, cfg.MCP.Servers, 1)
	assert.Equal(t, config.TransportSSE, cfg.MCP.Servers[0].Transport)

	assert.Error(t, (&ServeCmd{Port: 70000}).apply(cfg))
}

func TestInitLogger_Precedence(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	t.Setenv(LogFileEnvVar, "")
	t.Setenv(LogFormatEnvVar, "")
	t.Cleanup(func() { _, _ = initLogger("info", "", "", nil) })

	path := filepath.Join(t.TempDir(), "docagent.log")
	cleanup, err := initLogger("", "", "", &config.LoggerConfig{Level: "debug", File: path, Format: "verbose"})
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup()

	_, err = os.Stat(path)
	assert.NoError(t, err, "config file setting is used when no flag or env is set")

	_, err = initLogger("loud", "", "", nil)
	assert.Error(t, err)

	t.Setenv(LogLevelEnvVar, "warn")
	cleanup, err = initLogger("", "", "", &config.LoggerConfig{Level: "bogus"})
	assert.NoError(t, err, "environment wins over config")
	assert.Nil(t, cleanup)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
