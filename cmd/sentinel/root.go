package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/sentinel/internal/config"
	"github.com/ShayCichocki/sentinel/internal/state"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Parallel task-graph orchestrator for security testing",
	Long: `Sentinel turns a security-testing objective into a graph of tool calls,
runs independent calls in parallel, and lets a model decide after each round
whether the objective is met or another round is needed.

Core capabilities:
- Plans objectives as dependency graphs of tool invocations
- Dispatches ready tasks in bounded parallel waves
- Replans from joiner feedback until the round budget is spent
- Stores prompt templates and run history in SQLite`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config merged with .sentinel.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration selected by the persistent flags.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openState opens and migrates the database named by cfg.
func openState(cfg *config.Config) (*state.DB, error) {
	db, err := state.OpenAndMigrate(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return db, nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
