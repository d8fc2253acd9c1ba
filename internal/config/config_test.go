package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"."}, cfg.Paths.Roots)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "sqlite", cfg.Vector.Backend)
	assert.Equal(t, 300*time.Millisecond, cfg.Index.Debounce)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[paths]
roots = ["/src/app", "/src/lib"]

[embedding]
provider = "ollama"
model = "nomic-embed-text"
dimension = 768

[vector]
backend = "qdrant"
host = "qdrant.internal"
port = 6334
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/app", "/src/lib"}, cfg.Paths.Roots)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, "qdrant", cfg.Vector.Backend)
	assert.Equal(t, "qdrant.internal", cfg.Vector.Host)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Vector.Backend)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODEQUERY_EMBEDDING_PROVIDER", "local")
	t.Setenv("CODEQUERY_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestOpenAIKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestValidateRejectsOpenAIWithoutKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Embedding.APIKey = ""

	require.Error(t, cfg.Validate())

	cfg.Embedding.Provider = "local"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Embedding.Provider = "local"
	cfg.Vector.Backend = "redis"
	require.Error(t, cfg.Validate())
}

func TestWarnings(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = ""
	cfg.LLM.Temperature = 3.5

	warnings := cfg.Warnings()
	assert.Len(t, warnings, 2)
}

func TestDBPathDefaultsUnderFirstRoot(t *testing.T) {
	cfg := &Config{Paths: PathsConfig{Roots: []string{"/src/app"}}}
	assert.Equal(t, filepath.Join("/src/app", ".codequery", "index.db"), cfg.DBPath())

	cfg.Vector.Path = "/var/lib/cq.db"
	assert.Equal(t, "/var/lib/cq.db", cfg.DBPath())
}

func TestSetWritesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, Set(path, "embedding.provider", "ollama"))
	require.Error(t, Set(path, "no.such.key", "x"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}
