// Package config loads the broker's environment-variable configuration
// (spec.md §6) through viper, the way the corpus's cobra+viper-based MCP
// servers (OscillateLabsLLC/engram, smart-mcp-proxy, ajitpratap0/openclaw-
// cortex) bind env vars to typed settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved set of environment-driven settings.
type Config struct {
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string
	EmbeddingModel    string
	EmbeddingDim      int

	TopK      int
	Threshold float64

	MCPServerPort   string
	MCPCallbackPort string

	DBPath string

	LogLevel  string
	LogFormat string

	BearerToken string

	// SeedFile is an optional JSONC bootstrap file of initial ServerConfigs,
	// applied only when the mcp_servers table is empty at boot.
	SeedFile string
}

// Load reads environment variables into a Config, applying spec.md §6's
// defaults. It reads no file itself: TOOLBROKER_CONFIG only supplies the
// SeedFile path, which the serve command loads.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("EMBEDDING_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("EMBEDDING_MODEL_NAME", "doubao-embedding-text-240715")
	v.SetDefault("EMBEDDING_VECTOR_DIMENSION", 1024)
	v.SetDefault("TOOL_RETRIEVER_TOP_K", 5)
	v.SetDefault("TOOL_RETRIEVER_THRESHOLD", 0.10)
	v.SetDefault("MCP_SERVER_PORT", "8585")
	v.SetDefault("MCP_CALLBACK_PORT", "8586")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("TOOLBROKER_BEARER_TOKEN", "")
	v.SetDefault("TOOLBROKER_CONFIG", "")

	dbDefault, err := defaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve default db path: %w", err)
	}
	v.SetDefault("TOOLBROKER_DB_PATH", dbDefault)

	cfg := &Config{
		EmbeddingAPIKey:  v.GetString("EMBEDDING_API_KEY"),
		EmbeddingBaseURL: strings.TrimRight(v.GetString("EMBEDDING_BASE_URL"), "/"),
		EmbeddingModel:   v.GetString("EMBEDDING_MODEL_NAME"),
		EmbeddingDim:     v.GetInt("EMBEDDING_VECTOR_DIMENSION"),
		TopK:             v.GetInt("TOOL_RETRIEVER_TOP_K"),
		Threshold:        v.GetFloat64("TOOL_RETRIEVER_THRESHOLD"),
		MCPServerPort:    v.GetString("MCP_SERVER_PORT"),
		MCPCallbackPort:  v.GetString("MCP_CALLBACK_PORT"),
		DBPath:           v.GetString("TOOLBROKER_DB_PATH"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
		BearerToken:      v.GetString("TOOLBROKER_BEARER_TOKEN"),
		SeedFile:         v.GetString("TOOLBROKER_CONFIG"),
	}

	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("EMBEDDING_VECTOR_DIMENSION must be positive, got %d", cfg.EmbeddingDim)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}

	return cfg, nil
}

// defaultDBPath mirrors spec.md §6's "$HOME/.dext/tools_vector.db" layout.
func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".dext")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return filepath.Join(dir, "tools_vector.db"), nil
}
