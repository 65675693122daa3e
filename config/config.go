// Package config provides layered configuration for every ADMADC service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration shared by all services.
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
	Memory   MemoryConfig   `yaml:"memory"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Git      GitConfig      `yaml:"git"`
	Tools    ToolsConfig    `yaml:"tools"`
}

// NATSConfig configures the bus connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = embedded server).
	URL string `yaml:"url"`
	// Embedded runs an in-process NATS server when no URL is set.
	Embedded bool `yaml:"embedded"`
}

// RedisConfig configures the operational cache.
type RedisConfig struct {
	// URL is a redis:// URL; empty selects the in-process fallback.
	URL string `yaml:"url"`
}

// MemoryConfig configures the memory facade.
type MemoryConfig struct {
	// Listen is the facade's HTTP bind address.
	Listen string `yaml:"listen"`
	// URL is where other services reach the facade.
	URL string `yaml:"url"`
}

// GatewayConfig configures the HITL gateway.
type GatewayConfig struct {
	// Listen is the gateway's HTTP bind address.
	Listen string `yaml:"listen"`
	// HistorySize is how many recent events a new WebSocket client receives.
	HistorySize int `yaml:"history_size"`
	// PlanCacheTTL is the idempotency window of POST /api/plan.
	PlanCacheTTL time.Duration `yaml:"plan_cache_ttl"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	// Provider selects the wire adapter ("openai" or "mock").
	Provider string `yaml:"provider"`
	// Endpoint is the API base URL.
	Endpoint string `yaml:"endpoint"`
	// Model is the model identifier.
	Model string `yaml:"model"`
	// APIKey authenticates against hosted endpoints.
	APIKey string `yaml:"api_key"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds one completion call.
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig holds the cross-service pipeline knobs.
type PipelineConfig struct {
	// MaxRetries is the bus delivery retry budget per queue.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelayBase is the first bus retry delay; doubled per retry, capped.
	RetryDelayBase time.Duration `yaml:"retry_delay_base"`
	// MaxQARetries is how many times a failing task is re-assigned before
	// qa.failed becomes terminal.
	MaxQARetries int `yaml:"max_qa_retries"`
	// MemoryWindow is the number of recent plan events shown to agents.
	MemoryWindow int `yaml:"memory_window"`
}

// GitConfig configures source-control execution.
type GitConfig struct {
	// WorkDir is where repositories are cloned.
	WorkDir string `yaml:"work_dir"`
	// RemoteURL is the default push target when a plan has no repo_url.
	RemoteURL string `yaml:"remote_url"`
	// AuthorName and AuthorEmail identify pipeline commits.
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
	// GitHubToken authenticates PR creation; empty disables the API call.
	GitHubToken string `yaml:"github_token"`
	// GitHubAPIURL overrides the API base for GitHub Enterprise.
	GitHubAPIURL string `yaml:"github_api_url"`
}

// ToolsConfig configures the sandboxed tool executor.
type ToolsConfig struct {
	// Root is the directory reads are confined to.
	Root string `yaml:"root"`
	// ReadAllow is the glob allowlist for read_file; empty allows all paths
	// under Root.
	ReadAllow []string `yaml:"read_allow"`
}

// DefaultConfig returns a Config with working local defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Redis: RedisConfig{URL: ""},
		Memory: MemoryConfig{
			Listen: ":8085",
			URL:    "http://localhost:8085",
		},
		Gateway: GatewayConfig{
			Listen:       ":8080",
			HistorySize:  20,
			PlanCacheTTL: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Endpoint:    "http://localhost:11434/v1",
			Model:       "qwen2.5-coder:32b",
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxRetries:     3,
			RetryDelayBase: time.Second,
			MaxQARetries:   2,
			MemoryWindow:   10,
		},
		Git: GitConfig{
			WorkDir:      os.TempDir(),
			AuthorName:   "admadc-pipeline",
			AuthorEmail:  "pipeline@admadc.local",
			GitHubAPIURL: "https://api.github.com",
		},
		Tools: ToolsConfig{
			Root: ".",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.LLM.Provider != "mock" && c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.Memory.URL == "" {
		return fmt.Errorf("memory.url is required")
	}
	if c.Pipeline.MaxRetries < 1 {
		return fmt.Errorf("pipeline.max_retries must be at least 1")
	}
	if c.Pipeline.MaxQARetries < 0 {
		return fmt.Errorf("pipeline.max_qa_retries must not be negative")
	}
	return nil
}

// LoadFromFile reads a YAML config on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := unmarshalFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// parseFile reads a YAML config with no defaults filled in. Layered loading
// merges these sparse configs; pre-filled defaults would masquerade as
// explicit overrides and clobber the layer below.
func parseFile(path string) (*Config, error) {
	config := &Config{}
	if err := unmarshalFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

func unmarshalFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge overlays another config; non-zero values in other take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.Redis.URL != "" {
		c.Redis.URL = other.Redis.URL
	}
	if other.Memory.Listen != "" {
		c.Memory.Listen = other.Memory.Listen
	}
	if other.Memory.URL != "" {
		c.Memory.URL = other.Memory.URL
	}
	if other.Gateway.Listen != "" {
		c.Gateway.Listen = other.Gateway.Listen
	}
	if other.Gateway.HistorySize != 0 {
		c.Gateway.HistorySize = other.Gateway.HistorySize
	}
	if other.Gateway.PlanCacheTTL != 0 {
		c.Gateway.PlanCacheTTL = other.Gateway.PlanCacheTTL
	}

	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}

	if other.Pipeline.MaxRetries != 0 {
		c.Pipeline.MaxRetries = other.Pipeline.MaxRetries
	}
	if other.Pipeline.RetryDelayBase != 0 {
		c.Pipeline.RetryDelayBase = other.Pipeline.RetryDelayBase
	}
	if other.Pipeline.MaxQARetries != 0 {
		c.Pipeline.MaxQARetries = other.Pipeline.MaxQARetries
	}
	if other.Pipeline.MemoryWindow != 0 {
		c.Pipeline.MemoryWindow = other.Pipeline.MemoryWindow
	}

	if other.Git.WorkDir != "" {
		c.Git.WorkDir = other.Git.WorkDir
	}
	if other.Git.RemoteURL != "" {
		c.Git.RemoteURL = other.Git.RemoteURL
	}
	if other.Git.AuthorName != "" {
		c.Git.AuthorName = other.Git.AuthorName
	}
	if other.Git.AuthorEmail != "" {
		c.Git.AuthorEmail = other.Git.AuthorEmail
	}
	if other.Git.GitHubToken != "" {
		c.Git.GitHubToken = other.Git.GitHubToken
	}
	if other.Git.GitHubAPIURL != "" {
		c.Git.GitHubAPIURL = other.Git.GitHubAPIURL
	}

	if other.Tools.Root != "" {
		c.Tools.Root = other.Tools.Root
	}
	if len(other.Tools.ReadAllow) > 0 {
		c.Tools.ReadAllow = other.Tools.ReadAllow
	}
}

// ApplyEnv overlays well-known environment variables. Deployment sets URLs
// and secrets through the environment rather than files.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("MEMORY_URL"); v != "" {
		c.Memory.URL = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Git.GitHubToken = v
	}
}
