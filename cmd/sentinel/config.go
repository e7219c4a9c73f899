package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/sentinel/internal/config"
)

var configShowPaths bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Sentinel configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/sentinel/config.yaml
Project-specific overrides can be placed in .sentinel.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if configShowPaths {
			fmt.Printf("user:    %s\n", config.GetUserConfigPath())
			project := config.GetProjectConfigPath()
			if project == "" {
				project = "(none)"
			}
			fmt.Printf("project: %s\n", project)
			fmt.Printf("data:    %s\n", cfg.Storage.DataDir)
			fmt.Printf("db:      %s\n", cfg.Storage.DBPath)
			return nil
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configShowPaths, "paths", false, "Show config and data file locations")
}

// configKeys lists the keys shown by 'sentinel config', in display order.
var configKeys = []string{
	"anthropic.api_key",
	"anthropic.model",
	"anthropic.base_url",
	"anthropic.max_tokens",
	"anthropic.use_bedrock",
	"anthropic.aws_region",
	"anthropic.aws_profile",
	"engine.max_concurrency",
	"engine.max_iterations",
	"engine.task_timeout",
	"engine.enable_replanning",
	"engine.joiner_threshold",
	"storage.data_dir",
	"storage.prompts_file",
	"storage.retain_runs",
	"logging.level",
	"logging.format",
	"tools.shell_enabled",
	"tools.work_dir",
	"tools.http_timeout",
	"tools.dial_timeout",
	"tools.scope.allow",
	"tools.scope.deny",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Printf("%s: %s\n", key, value)
	}
	fmt.Printf("api key source: %s\n", config.GetAPIKeySource(cfg))
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	if strings.EqualFold(key, "anthropic.api_key") {
		value = config.MaskAPIKey(value)
	}
	fmt.Fprintf(os.Stdout, "Set %s = %s\n", key, value)
	return nil
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return orUnset(cfg.Anthropic.Model), nil
	case "anthropic.base_url":
		return orUnset(cfg.Anthropic.BaseURL), nil
	case "anthropic.max_tokens":
		return strconv.FormatInt(cfg.Anthropic.MaxTokens, 10), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return orUnset(cfg.Anthropic.AWSRegion), nil
	case "anthropic.aws_profile":
		return orUnset(cfg.Anthropic.AWSProfile), nil
	case "engine.max_concurrency":
		return strconv.Itoa(cfg.Engine.MaxConcurrency), nil
	case "engine.max_iterations":
		return strconv.Itoa(cfg.Engine.MaxIterations), nil
	case "engine.task_timeout":
		return cfg.Engine.TaskTimeout.String(), nil
	case "engine.enable_replanning":
		return strconv.FormatBool(cfg.Engine.EnableReplanning), nil
	case "engine.joiner_threshold":
		return strconv.FormatFloat(cfg.Engine.JoinerThreshold, 'g', -1, 64), nil
	case "storage.data_dir":
		return cfg.Storage.DataDir, nil
	case "storage.prompts_file":
		return orUnset(cfg.Storage.PromptsFile), nil
	case "storage.retain_runs":
		return cfg.Storage.RetainRuns.String(), nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.format":
		return cfg.Logging.Format, nil
	case "tools.shell_enabled":
		return strconv.FormatBool(cfg.Tools.ShellEnabled), nil
	case "tools.work_dir":
		return orUnset(cfg.Tools.WorkDir), nil
	case "tools.http_timeout":
		return cfg.Tools.HTTPTimeout.String(), nil
	case "tools.dial_timeout":
		return cfg.Tools.DialTimeout.String(), nil
	case "tools.scope.allow":
		return listOrNone(cfg.Tools.Scope.Allow), nil
	case "tools.scope.deny":
		return listOrNone(cfg.Tools.Scope.Deny), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	var err error
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.base_url":
		cfg.Anthropic.BaseURL = value
	case "anthropic.max_tokens":
		cfg.Anthropic.MaxTokens, err = strconv.ParseInt(value, 10, 64)
	case "anthropic.use_bedrock":
		cfg.Anthropic.UseBedrock, err = strconv.ParseBool(value)
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "anthropic.aws_profile":
		cfg.Anthropic.AWSProfile = value
	case "engine.max_concurrency":
		cfg.Engine.MaxConcurrency, err = strconv.Atoi(value)
	case "engine.max_iterations":
		cfg.Engine.MaxIterations, err = strconv.Atoi(value)
	case "engine.task_timeout":
		cfg.Engine.TaskTimeout, err = time.ParseDuration(value)
	case "engine.enable_replanning":
		cfg.Engine.EnableReplanning, err = strconv.ParseBool(value)
	case "engine.joiner_threshold":
		cfg.Engine.JoinerThreshold, err = strconv.ParseFloat(value, 64)
	case "storage.data_dir":
		cfg.Storage.DataDir = value
	case "storage.prompts_file":
		cfg.Storage.PromptsFile = value
	case "storage.retain_runs":
		cfg.Storage.RetainRuns, err = time.ParseDuration(value)
	case "logging.level":
		cfg.Logging.Level = value
	case "logging.format":
		cfg.Logging.Format = value
	case "tools.shell_enabled":
		cfg.Tools.ShellEnabled, err = strconv.ParseBool(value)
	case "tools.work_dir":
		cfg.Tools.WorkDir = value
	case "tools.http_timeout":
		cfg.Tools.HTTPTimeout, err = time.ParseDuration(value)
	case "tools.dial_timeout":
		cfg.Tools.DialTimeout, err = time.ParseDuration(value)
	case "tools.scope.allow":
		cfg.Tools.Scope.Allow = splitList(value)
	case "tools.scope.deny":
		cfg.Tools.Scope.Deny = splitList(value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// splitList parses a comma-separated value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
