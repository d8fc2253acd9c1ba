package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths" toml:"paths"`
	Embedding EmbeddingConfig `mapstructure:"embedding" toml:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector" toml:"vector"`
	LLM       LLMConfig       `mapstructure:"llm" toml:"llm"`
	Index     IndexConfig     `mapstructure:"index" toml:"index"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

type PathsConfig struct {
	// Roots are the directories tracked by the index.
	Roots []string `mapstructure:"roots" toml:"roots"`
}

type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" toml:"provider"` // "openai", "ollama", "local"
	Model     string `mapstructure:"model" toml:"model"`
	APIKey    string `mapstructure:"api_key" toml:"api_key"`
	BaseURL   string `mapstructure:"base_url" toml:"base_url"`
	Dimension int    `mapstructure:"dimension" toml:"dimension"`
	// BatchSize caps the number of texts per provider call.
	BatchSize int `mapstructure:"batch_size" toml:"batch_size"`
	// MaxBatchTokens caps the total token count per provider call.
	MaxBatchTokens int `mapstructure:"max_batch_tokens" toml:"max_batch_tokens"`
	// Concurrency is the global cap on in-flight provider calls.
	Concurrency int `mapstructure:"concurrency" toml:"concurrency"`
	// RequestsPerMinute throttles provider calls (0 = unlimited).
	RequestsPerMinute int `mapstructure:"requests_per_minute" toml:"requests_per_minute"`
	MaxRetries        int `mapstructure:"max_retries" toml:"max_retries"`
}

type VectorConfig struct {
	Backend    string `mapstructure:"backend" toml:"backend"` // "sqlite", "qdrant", "memory"
	Path       string `mapstructure:"path" toml:"path"`    // sqlite database path
	Host       string `mapstructure:"host" toml:"host"`    // qdrant host
	Port       int    `mapstructure:"port" toml:"port"`    // qdrant gRPC port
	Collection string `mapstructure:"collection" toml:"collection"`
}

type LLMConfig struct {
	Provider    string  `mapstructure:"provider" toml:"provider"` // "openai", "ollama", "none"
	Model       string  `mapstructure:"model" toml:"model"`
	APIKey      string  `mapstructure:"api_key" toml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" toml:"base_url"`
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`
}

type IndexConfig struct {
	Workers     int           `mapstructure:"workers" toml:"workers"`
	Debounce    time.Duration `mapstructure:"debounce" toml:"debounce"`
	IgnoreTests bool          `mapstructure:"ignore_tests" toml:"ignore_tests"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" toml:"retry_delay"`
	MaxRetries  int           `mapstructure:"max_retries" toml:"max_retries"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level" toml:"level"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(dir, "codequery", "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.roots", []string{"."})

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.max_batch_tokens", 8000)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.requests_per_minute", 0)
	v.SetDefault("embedding.max_retries", 5)

	v.SetDefault("vector.backend", "sqlite")
	v.SetDefault("vector.collection", "codequery")
	v.SetDefault("vector.host", "127.0.0.1")
	v.SetDefault("vector.port", 6334)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)

	v.SetDefault("index.workers", 0) // 0 = NumCPU
	v.SetDefault("index.debounce", 300*time.Millisecond)
	v.SetDefault("index.retry_delay", 5*time.Second)
	v.SetDefault("index.max_retries", 3)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
}

// Load reads configuration from the given file (optional) and the environment.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CODEQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = cfg.Embedding.APIKey
	}

	return &cfg, nil
}

// Validate checks for configuration errors that must abort startup.
func (c *Config) Validate() error {
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding provider %q requires an API key (set embedding.api_key or OPENAI_API_KEY)", c.Embedding.Provider)
	}
	switch c.Vector.Backend {
	case "sqlite", "qdrant", "memory":
	default:
		return fmt.Errorf("unknown vector backend %q (want sqlite, qdrant, or memory)", c.Vector.Backend)
	}
	switch c.Embedding.Provider {
	case "openai", "ollama", "local":
	default:
		return fmt.Errorf("unknown embedding provider %q (want openai, ollama, or local)", c.Embedding.Provider)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	return nil
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2.0 {
		warnings = append(warnings, fmt.Sprintf("llm temperature %.2f is outside [0.0, 2.0]", c.LLM.Temperature))
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		warnings = append(warnings, "llm provider \"openai\" has no API key; answers degrade to reference listings")
	}
	return warnings
}

// DBPath resolves the sqlite database path, defaulting under the first root.
func (c *Config) DBPath() string {
	if c.Vector.Path != "" {
		return c.Vector.Path
	}
	root := "."
	if len(c.Paths.Roots) > 0 {
		root = c.Paths.Roots[0]
	}
	return filepath.Join(root, ".codequery", "index.db")
}

// Set updates a single dotted key in the config file at path, creating the
// file if needed. Only keys viper knows about are accepted.
func Set(path, key, value string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	if !v.IsSet(key) {
		return fmt.Errorf("unknown configuration key %q", key)
	}
	v.Set(key, value)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return v.WriteConfigAs(path)
}
