package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/sentinel/internal/tools"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available to the planner",
	Long: `List the built-in tools with their parameters.

The shell tool only appears when tools.shell_enabled is true. Network tools
reject targets outside tools.scope when scope rules are configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts, err := builtinOptions(cfg)
		if err != nil {
			return err
		}
		registry := tools.NewRegistry(cfg.Engine.TaskTimeout, nil)
		if err := tools.RegisterBuiltins(registry, opts); err != nil {
			return fmt.Errorf("register tools: %w", err)
		}
		writeToolList(os.Stdout, registry.List())
		if opts.Scope != nil {
			fmt.Printf("\nScope: allow %s; deny %s\n", listOrNone(cfg.Tools.Scope.Allow), listOrNone(cfg.Tools.Scope.Deny))
		}
		return nil
	},
}

// writeToolList prints each tool with its parameters, required ones marked.
func writeToolList(w io.Writer, list []tools.Tool) {
	for _, t := range list {
		fmt.Fprintf(w, "%s\n    %s\n", t.Name, t.Description)
		params := make([]string, 0, len(t.Parameters))
		for name := range t.Parameters {
			params = append(params, name)
		}
		sort.Strings(params)
		for _, name := range params {
			marker := ""
			if slices.Contains(t.Required, name) {
				marker = " (required)"
			}
			fmt.Fprintf(w, "    - %s%s: %s\n", name, marker, strings.TrimSpace(t.Parameters[name]))
		}
	}
}

func listOrNone(rules []string) string {
	if len(rules) == 0 {
		return "(none)"
	}
	return strings.Join(rules, ", ")
}
