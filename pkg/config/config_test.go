package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets variables that would leak from the developer's shell into
// the defaults under test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENVIRONMENT", "BASE_URL", "LLM_PROVIDER", "LLM_MODEL", "LLM_ENDPOINT",
		"LLM_TIMEOUT", "CHAT_HISTORY_WINDOW_SIZE", "CHAT_MAX_AGENT_STEPS", "CHAT_SUMMARY_ROWS",
		"CHAT_MAX_RESULT_ROWS", "SESSION_STORE", "CREDENTIALS_KEY", "TLS_CERT_PATH", "TLS_KEY_PATH",
	} {
		if val, ok := os.LookupEnv(key); ok {
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, val) })
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "test-version")
	require.NoError(t, err)

	assert.Equal(t, "test-version", cfg.Version)
	assert.Equal(t, "3443", cfg.Port)
	assert.Equal(t, "http://localhost:3443", cfg.BaseURL)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.InDelta(t, 0.3, cfg.LLM.Temperature, 0.0001)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 8, cfg.Chat.HistoryWindowSize)
	assert.Equal(t, 10, cfg.Chat.MaxAgentSteps)
	assert.Equal(t, 30*time.Second, cfg.Chat.ExecutionTimeout)
	assert.Equal(t, 30, cfg.Datasource.ConnectionTTLMinutes)
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.True(t, cfg.IsLocal())
}

func TestLoadFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
port: "3000"
env: "test"
llm:
  provider: "anthropic"
  model: "claude-sonnet-4-5"
chat:
  history_window_size: 6
`)

	t.Setenv("PORT", "4443")
	t.Setenv("CHAT_HISTORY_WINDOW_SIZE", "4")

	cfg, err := LoadFile(path, "v1")
	require.NoError(t, err)

	assert.Equal(t, "4443", cfg.Port, "env overrides yaml")
	assert.Equal(t, 4, cfg.Chat.HistoryWindowSize, "env overrides yaml")
	assert.Equal(t, "anthropic", cfg.LLM.Provider, "yaml value used")
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)
	assert.Equal(t, "http://localhost:4443", cfg.BaseURL)
	assert.False(t, cfg.IsLocal())
}

func TestLoadFile_ExplicitBaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("BASE_URL", "https://askdb.example.com")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "v1")
	require.NoError(t, err)
	assert.Equal(t, "https://askdb.example.com", cfg.BaseURL)
}

func TestLoadFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown provider",
			yaml:    "llm:\n  provider: \"mystery\"\n",
			wantErr: "llm.provider",
		},
		{
			name:    "negative window",
			yaml:    "chat:\n  history_window_size: -1\n",
			wantErr: "history_window_size",
		},
		{
			name:    "summary larger than max rows",
			yaml:    "chat:\n  summary_rows: 500\n  max_result_rows: 100\n",
			wantErr: "summary_rows",
		},
		{
			name:    "redis without credentials key",
			yaml:    "session:\n  store: \"redis\"\n",
			wantErr: "CREDENTIALS_KEY",
		},
		{
			name:    "cert without key",
			yaml:    "tls_cert_path: \"/tmp/cert.pem\"\n",
			wantErr: "tls_key_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadFile(writeConfig(t, tt.yaml), "v1")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
