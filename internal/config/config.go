// Package config handles configuration loading and management for sentinel.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/ShayCichocki/sentinel/internal/scope"
	"github.com/ShayCichocki/sentinel/internal/state"
)

// ProjectConfigName is the project-level override file searched upward from
// the working directory.
const ProjectConfigName = ".sentinel.yaml"

// EnvPrefix prefixes environment overrides, e.g. SENTINEL_ENGINE_MAX_ITERATIONS.
const EnvPrefix = "SENTINEL"

// Config holds all configuration for sentinel.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tools     ToolsConfig     `mapstructure:"tools"`
}

// AnthropicConfig holds model access settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	MaxRetries int    `mapstructure:"max_retries"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// EngineConfig holds the workflow loop limits.
type EngineConfig struct {
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	EnableReplanning bool          `mapstructure:"enable_replanning"`
	// JoinerThreshold is the goal-completion score at which the fallback
	// decision completes a workflow.
	JoinerThreshold float64 `mapstructure:"joiner_threshold"`
}

// StorageConfig holds on-disk locations.
type StorageConfig struct {
	// DataDir holds the database, logs and signal files.
	DataDir string `mapstructure:"data_dir"`
	// DBPath defaults to <data_dir>/sentinel.db.
	DBPath string `mapstructure:"db_path"`
	// PromptsFile is an optional YAML seed imported at startup.
	PromptsFile string `mapstructure:"prompts_file"`
	// RetainRuns drops stored workflows older than this. Zero keeps all.
	RetainRuns time.Duration `mapstructure:"retain_runs"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ToolsConfig holds built-in tool settings.
type ToolsConfig struct {
	ShellEnabled bool          `mapstructure:"shell_enabled"`
	WorkDir      string        `mapstructure:"work_dir"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	Scope        ScopeConfig   `mapstructure:"scope"`
}

// ScopeConfig limits the targets the network tools may touch. Entries are
// host patterns ("*.example.com"), IP addresses or CIDR networks.
type ScopeConfig struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, SENTINEL_*)
// 2. Project config (.sentinel.yaml in current directory or parent)
// 3. User config (~/.config/sentinel/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", EnvPrefix+"_ANTHROPIC_API_KEY")
	_ = v.BindEnv("anthropic.aws_region", EnvPrefix+"_ANTHROPIC_AWS_REGION", "AWS_REGION")
	_ = v.BindEnv("anthropic.aws_profile", EnvPrefix+"_ANTHROPIC_AWS_PROFILE", "AWS_PROFILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.DBPath = expandHome(cfg.Storage.DBPath)
	cfg.Storage.PromptsFile = expandHome(cfg.Storage.PromptsFile)
	cfg.Logging.File = expandHome(cfg.Logging.File)
	cfg.applyDerived()
	return cfg, nil
}

// applyDerived fills paths that default relative to the data directory.
func (c *Config) applyDerived() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir()
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "sentinel.db")
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error
	if c.Engine.MaxConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("engine.max_concurrency must be at least 1, got %d", c.Engine.MaxConcurrency))
	}
	if c.Engine.MaxIterations < 1 {
		err = multierr.Append(err, fmt.Errorf("engine.max_iterations must be at least 1, got %d", c.Engine.MaxIterations))
	}
	if c.Engine.TaskTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("engine.task_timeout must be positive, got %v", c.Engine.TaskTimeout))
	}
	if c.Engine.JoinerThreshold <= 0 || c.Engine.JoinerThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("engine.joiner_threshold must be in (0, 1], got %v", c.Engine.JoinerThreshold))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	if c.Tools.HTTPTimeout < 0 || c.Tools.DialTimeout < 0 {
		err = multierr.Append(err, errors.New("tools timeouts must not be negative"))
	}
	if _, scopeErr := scope.New(c.Tools.Scope.Allow, c.Tools.Scope.Deny); scopeErr != nil {
		err = multierr.Append(err, fmt.Errorf("tools.scope: %w", scopeErr))
	}
	return err
}

// Save writes the configuration to the user config file. The API key is
// only written when it is set.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	if cfg.Anthropic.APIKey != "" {
		v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	}
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.base_url", cfg.Anthropic.BaseURL)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("engine.max_concurrency", cfg.Engine.MaxConcurrency)
	v.Set("engine.max_iterations", cfg.Engine.MaxIterations)
	v.Set("engine.task_timeout", cfg.Engine.TaskTimeout.String())
	v.Set("engine.enable_replanning", cfg.Engine.EnableReplanning)
	v.Set("engine.joiner_threshold", cfg.Engine.JoinerThreshold)
	v.Set("storage.data_dir", cfg.Storage.DataDir)
	v.Set("storage.prompts_file", cfg.Storage.PromptsFile)
	v.Set("storage.retain_runs", cfg.Storage.RetainRuns.String())
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.format", cfg.Logging.Format)
	v.Set("tools.shell_enabled", cfg.Tools.ShellEnabled)
	v.Set("tools.work_dir", cfg.Tools.WorkDir)
	v.Set("tools.http_timeout", cfg.Tools.HTTPTimeout.String())
	v.Set("tools.dial_timeout", cfg.Tools.DialTimeout.String())
	v.Set("tools.scope.allow", cfg.Tools.Scope.Allow)
	v.Set("tools.scope.deny", cfg.Tools.Scope.Deny)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DefaultDataDir returns $XDG_DATA_HOME/sentinel or ~/.local/share/sentinel.
func DefaultDataDir() string {
	return filepath.Dir(state.DefaultDBPath())
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.max_retries", 0)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("engine.max_concurrency", 10)
	v.SetDefault("engine.max_iterations", 10)
	v.SetDefault("engine.task_timeout", "300s")
	v.SetDefault("engine.enable_replanning", true)
	v.SetDefault("engine.joiner_threshold", 0.8)

	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.prompts_file", "")
	v.SetDefault("storage.retain_runs", "0s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")

	v.SetDefault("tools.shell_enabled", false)
	v.SetDefault("tools.work_dir", "")
	v.SetDefault("tools.http_timeout", "10s")
	v.SetDefault("tools.dial_timeout", "2s")
	v.SetDefault("tools.scope.allow", []string{})
	v.SetDefault("tools.scope.deny", []string{})
}

// getUserConfigDir returns the XDG config directory for sentinel.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sentinel")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "sentinel")
	}
	return filepath.Join(home, ".config", "sentinel")
}

// findProjectConfig searches for .sentinel.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{
		Anthropic: AnthropicConfig{
			MaxTokens: 4096,
		},
		Engine: EngineConfig{
			MaxConcurrency:   10,
			MaxIterations:    10,
			TaskTimeout:      300 * time.Second,
			EnableReplanning: true,
			JoinerThreshold:  0.8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tools: ToolsConfig{
			HTTPTimeout: 10 * time.Second,
			DialTimeout: 2 * time.Second,
		},
	}
	cfg.applyDerived()
	return cfg
}
