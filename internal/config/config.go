// Package config loads and validates hemiunu configuration from
// $HEMIUNU_HOME/config.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/khufu-labs/hemiunu/internal/otel"
)

// ProjectConfig locates the codebase the orchestrator works on.
type ProjectConfig struct {
	// Root is the project working tree. All git operations and tool
	// file access are confined to this directory.
	Root string `yaml:"root"`
	// MainBranch is the integration branch. Empty means autodetect (main, then master).
	MainBranch string `yaml:"main_branch"`
	// Remote is the git remote used for push/pull. Default "origin".
	Remote string `yaml:"remote"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	// Name of the provider. Only "anthropic" is supported.
	Name string `yaml:"name"`
	// Model identifier, e.g. "claude-sonnet-4-5".
	Model string `yaml:"model"`
	// APIKey for the provider. The ANTHROPIC_API_KEY env var takes precedence.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the provider endpoint (proxies, gateways).
	BaseURL string `yaml:"base_url"`
	// TimeoutSeconds bounds a single completion request. Default 60.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	// MaxIterations is the provider-call budget per task. Default 20.
	MaxIterations int `yaml:"max_iterations"`
	// MaxTokens per completion. Default 8192.
	MaxTokens int `yaml:"max_tokens"`
	// MaxContextChars caps the formatted golden-thread context. Default 8000.
	MaxContextChars int `yaml:"max_context_chars"`
}

// DeployConfig controls the deploy cycle.
type DeployConfig struct {
	// TestDir holds integration test scripts (test_* files) run before push.
	// Relative paths resolve under the project root. Default "tests/integration".
	TestDir string `yaml:"test_dir"`
	// Schedule is a 5-field cron expression for periodic deploy cycles
	// in daemon mode. Empty disables the scheduler.
	Schedule string `yaml:"schedule"`
	// TestTimeoutSeconds bounds each integration test script. Default 300.
	TestTimeoutSeconds int `yaml:"test_timeout_seconds"`
}

// SandboxConfig selects the shell executor for agent commands.
type SandboxConfig struct {
	// Enabled runs agent commands in a throwaway docker container
	// with the project root bind-mounted.
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	// MemoryMB caps container memory. 0 means unlimited.
	MemoryMB int64 `yaml:"memory_mb"`
}

// TelegramConfig configures operator notifications.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

// ChannelsConfig groups notification channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// Config is the root configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// DBPath is the sqlite database file. Default <home>/hemiunu.db.
	DBPath string `yaml:"db_path"`

	Project  ProjectConfig  `yaml:"project"`
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Channels ChannelsConfig `yaml:"channels"`
	OTel     otel.Config    `yaml:"otel"`

	// NeedsGenesis is set when no config.yaml existed yet.
	NeedsGenesis bool `yaml:"-"`
}

// ProviderAPIKey returns the provider API key, env var first.
func (c Config) ProviderAPIKey() string {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		return v
	}
	return c.Provider.APIKey
}

// TelegramToken returns the telegram bot token, env var first.
func (c Config) TelegramToken() string {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		return v
	}
	return c.Channels.Telegram.Token
}

// Fingerprint returns a stable hash of the reload-sensitive config fields.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|root=%s|model=%s|iters=%d|schedule=%s",
		c.LogLevel, c.Project.Root, c.Provider.Model, c.Agent.MaxIterations, c.Deploy.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Project: ProjectConfig{
			Remote: "origin",
		},
		Provider: ProviderConfig{
			Name:           "anthropic",
			Model:          "claude-sonnet-4-5",
			TimeoutSeconds: 60,
		},
		Agent: AgentConfig{
			MaxIterations:   20,
			MaxTokens:       8192,
			MaxContextChars: 8000,
		},
		Deploy: DeployConfig{
			TestDir:            "tests/integration",
			TestTimeoutSeconds: 300,
		},
		Sandbox: SandboxConfig{
			Image: "alpine:3.20",
		},
	}
}

// HomeDir returns the hemiunu data directory, honoring HEMIUNU_HOME.
func HomeDir() string {
	if override := os.Getenv("HEMIUNU_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hemiunu")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the hemiunu home, applies env overrides,
// and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hemiunu home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEMIUNU_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HEMIUNU_PROJECT_ROOT"); v != "" {
		cfg.Project.Root = v
	}
	if v := os.Getenv("HEMIUNU_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HEMIUNU_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("HEMIUNU_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("HEMIUNU_DEPLOY_SCHEDULE"); v != "" {
		cfg.Deploy.Schedule = v
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "hemiunu.db")
	}
	if strings.TrimSpace(cfg.Project.Root) == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Project.Root = wd
		} else {
			cfg.Project.Root = "."
		}
	}
	if cfg.Project.Remote == "" {
		cfg.Project.Remote = "origin"
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "claude-sonnet-4-5"
	}
	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = 60
	}
	if cfg.Agent.MaxIterations <= 0 {
		cfg.Agent.MaxIterations = 20
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = 8192
	}
	if cfg.Agent.MaxContextChars <= 0 {
		cfg.Agent.MaxContextChars = 8000
	}
	if cfg.Deploy.TestDir == "" {
		cfg.Deploy.TestDir = "tests/integration"
	}
	if !filepath.IsAbs(cfg.Deploy.TestDir) {
		cfg.Deploy.TestDir = filepath.Join(cfg.Project.Root, cfg.Deploy.TestDir)
	}
	if cfg.Deploy.TestTimeoutSeconds <= 0 {
		cfg.Deploy.TestTimeoutSeconds = 300
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "alpine:3.20"
	}
}

func validate(cfg *Config) error {
	if cfg.Provider.Name != "anthropic" {
		return fmt.Errorf("unsupported provider %q (supported: anthropic)", cfg.Provider.Name)
	}
	if cfg.Channels.Telegram.Enabled && cfg.TelegramToken() == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token (config or TELEGRAM_BOT_TOKEN)")
	}
	return nil
}
