// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the immutable snapshot produced by Load. Every other
// component receives a *Config at construction time; there is no
// hot-reload, see Load's doc comment.
type Config struct {
	ProjectRoot   string          `mapstructure:"-"`
	Daemon        DaemonConfig    `mapstructure:"daemon"`
	Indexing      IndexingConfig  `mapstructure:"indexing"`
	Embedding     ProviderConfig  `mapstructure:"embedding"`
	Summarization ProviderConfig  `mapstructure:"summarization"`
	Session       SessionConfig   `mapstructure:"session"`
	Retrieval     RetrievalConfig `mapstructure:"retrieval"`
	Relay         RelayConfig     `mapstructure:"relay"`
	Qdrant        QdrantConfig    `mapstructure:"qdrant"`
	ProjectID     string          `mapstructure:"project_id"`
}

// DaemonConfig controls the local HTTP/MCP listener.
type DaemonConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// IndexingConfig controls which files the indexer and watcher consider.
// ExcludePatterns are hard excludes (built-ins unioned with the config's
// own patterns) that always win; GitignorePatterns come from the project
// .gitignore and can be overridden by IncludeManagedPaths.
type IndexingConfig struct {
	ExcludePatterns     []string `mapstructure:"exclude_patterns"`
	IncludeManagedPaths []string `mapstructure:"include_managed_paths"`
	SkipEmptyFiles      bool     `mapstructure:"skip_empty_files"`
	GitignorePatterns   []string `mapstructure:"-"`
}

// ProviderConfig describes an embedding or summarization backend.
type ProviderConfig struct {
	Provider      string `mapstructure:"provider"`
	BaseURL       string `mapstructure:"base_url"`
	Model         string `mapstructure:"model"`
	APIKey        string `mapstructure:"api_key"`
	Dimensions    int    `mapstructure:"dimensions"`
	ContextTokens int    `mapstructure:"context_tokens"`
}

// SessionConfig controls activity-session bookkeeping.
type SessionConfig struct {
	StaleTimeoutSeconds int `mapstructure:"stale_timeout_seconds"`
}

// RetrievalConfig controls confidence-tier bucketing thresholds.
type RetrievalConfig struct {
	HighConfidenceThreshold   float64 `mapstructure:"high_confidence_threshold"`
	MediumConfidenceThreshold float64 `mapstructure:"medium_confidence_threshold"`
	TopK                      int     `mapstructure:"top_k"`
}

// RelayConfig controls the optional cloud relay connection.
type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	APIKey  string `mapstructure:"api_key"`
}

// QdrantConfig controls the vector store backend.
type QdrantConfig struct {
	Address string `mapstructure:"address"`
	UseTLS  bool   `mapstructure:"use_tls"`
}

const envPrefix = "OAK_CI"

// Load reads configuration for projectRoot, layering (lowest to
// highest precedence): built-in defaults, the project file
// (<projectRoot>/.oak/ci/config.yaml, generated on first run), the
// user file (~/.oak-ci/config.yaml, if present), then OAK_CI_*
// environment variables. It returns one immutable snapshot; there is
// no Watch/hot-reload method. PUT /api/config rewrites the project
// file on disk and asks the daemon to exit with a restart-requested
// code instead of mutating this snapshot in place.
func Load(projectRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	projectConfigDir := filepath.Join(projectRoot, ".oak", "ci")
	projectConfigFile := filepath.Join(projectConfigDir, "config.yaml")

	if _, err := os.Stat(projectConfigFile); os.IsNotExist(err) {
		if err := generateDefaultConfig(projectConfigFile); err != nil {
			return nil, fmt.Errorf("failed to generate default config: %w", err)
		}
	}

	v.SetConfigFile(projectConfigFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}

	if home, err := os.UserHomeDir(); err == nil {
		userConfigFile := filepath.Join(home, ".oak-ci", "config.yaml")
		if _, statErr := os.Stat(userConfigFile); statErr == nil {
			uv := viper.New()
			uv.SetConfigType("yaml")
			uv.SetConfigFile(userConfigFile)
			if err := uv.ReadInConfig(); err == nil {
				if err := v.MergeConfigMap(uv.AllSettings()); err != nil {
					return nil, fmt.Errorf("failed to merge user config: %w", err)
				}
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ProjectRoot = projectRoot

	cfg.Indexing.ExcludePatterns = unionExcludes(cfg.Indexing.ExcludePatterns)
	cfg.Indexing.GitignorePatterns = readGitignore(projectRoot)

	if cfg.Daemon.Port == 0 {
		port, err := ephemeralPort(cfg.Daemon.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to discover ephemeral port: %w", err)
		}
		cfg.Daemon.Port = port
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 0)
	v.SetDefault("indexing.skip_empty_files", true)
	v.SetDefault("embedding.provider", "mock")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.context_tokens", 8192)
	v.SetDefault("summarization.provider", "mock")
	v.SetDefault("summarization.base_url", "http://localhost:11434")
	v.SetDefault("summarization.model", "llama3")
	v.SetDefault("summarization.context_tokens", 8192)
	v.SetDefault("session.stale_timeout_seconds", 3600)
	v.SetDefault("retrieval.high_confidence_threshold", 0.75)
	v.SetDefault("retrieval.medium_confidence_threshold", 0.5)
	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.address", "wss://relay.oak.dev/connect")
	v.SetDefault("qdrant.address", "localhost:6334")
	v.SetDefault("qdrant.use_tls", false)
}

// builtinExcludes is unioned with the config's own exclude_patterns;
// these are hard excludes no managed include can reach back into.
var builtinExcludes = []string{".oak/", ".git/", "node_modules/", ".venv/"}

func unionExcludes(configured []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(pattern string) {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") || seen[pattern] {
			return
		}
		seen[pattern] = true
		out = append(out, pattern)
	}

	for _, p := range builtinExcludes {
		add(p)
	}
	for _, p := range configured {
		add(p)
	}
	return out
}

func readGitignore(projectRoot string) []string {
	f, err := os.Open(filepath.Join(projectRoot, ".gitignore"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func ephemeralPort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func generateDefaultConfig(configFile string) error {
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return err
	}

	defaultConfig := `# oak-ci daemon configuration
# Generated automatically on first run for this project.

daemon:
  host: "127.0.0.1"
  port: 0  # 0 = pick an ephemeral port; the daemon writes it to .oak/ci/daemon.port

indexing:
  skip_empty_files: true
  exclude_patterns: []
  include_managed_paths: []

embedding:
  provider: "mock"  # mock | openai | ollama | lmstudio
  base_url: "http://localhost:11434"
  model: "nomic-embed-text"
  dimensions: 768
  context_tokens: 8192

summarization:
  provider: "mock"  # mock | openai | ollama | lmstudio
  base_url: "http://localhost:11434"
  model: "llama3"
  context_tokens: 8192

session:
  stale_timeout_seconds: 3600

retrieval:
  high_confidence_threshold: 0.75
  medium_confidence_threshold: 0.5
  top_k: 8

relay:
  enabled: false
  address: "wss://relay.oak.dev/connect"
  api_key: ""

qdrant:
  address: "localhost:6334"
  use_tls: false
`

	return os.WriteFile(configFile, []byte(defaultConfig), 0644)
}

// Save writes cfg back to <ProjectRoot>/.oak/ci/config.yaml. Used by
// the PUT /api/config handler; callers are expected to restart the
// daemon process afterward since Config is otherwise immutable.
func Save(cfg *Config) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("daemon.host", cfg.Daemon.Host)
	v.Set("daemon.port", cfg.Daemon.Port)
	v.Set("indexing.skip_empty_files", cfg.Indexing.SkipEmptyFiles)
	v.Set("indexing.exclude_patterns", cfg.Indexing.ExcludePatterns)
	v.Set("indexing.include_managed_paths", cfg.Indexing.IncludeManagedPaths)
	v.Set("embedding.provider", cfg.Embedding.Provider)
	v.Set("embedding.base_url", cfg.Embedding.BaseURL)
	v.Set("embedding.model", cfg.Embedding.Model)
	v.Set("embedding.api_key", cfg.Embedding.APIKey)
	v.Set("embedding.dimensions", cfg.Embedding.Dimensions)
	v.Set("embedding.context_tokens", cfg.Embedding.ContextTokens)
	v.Set("summarization.provider", cfg.Summarization.Provider)
	v.Set("summarization.base_url", cfg.Summarization.BaseURL)
	v.Set("summarization.model", cfg.Summarization.Model)
	v.Set("summarization.api_key", cfg.Summarization.APIKey)
	v.Set("summarization.context_tokens", cfg.Summarization.ContextTokens)
	v.Set("session.stale_timeout_seconds", cfg.Session.StaleTimeoutSeconds)
	v.Set("retrieval.high_confidence_threshold", cfg.Retrieval.HighConfidenceThreshold)
	v.Set("retrieval.medium_confidence_threshold", cfg.Retrieval.MediumConfidenceThreshold)
	v.Set("retrieval.top_k", cfg.Retrieval.TopK)
	v.Set("relay.enabled", cfg.Relay.Enabled)
	v.Set("relay.address", cfg.Relay.Address)
	v.Set("relay.api_key", cfg.Relay.APIKey)
	v.Set("qdrant.address", cfg.Qdrant.Address)
	v.Set("qdrant.use_tls", cfg.Qdrant.UseTLS)

	configFile := filepath.Join(cfg.ProjectRoot, ".oak", "ci", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
