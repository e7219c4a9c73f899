package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/sentinel/internal/signals"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the running workflow",
	Long: `Ask a running 'sentinel run' to stop.

Writes a cancel signal file into the data directory. The running workflow
stops dispatching tasks, cancels in-flight tool calls, and reports the
partial results it already has.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := signals.RequestCancel(cfg.Storage.DataDir); err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		printStatus("✓", "Cancel requested", color.FgYellow)
		return nil
	},
}
