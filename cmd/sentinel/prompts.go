package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/sentinel/internal/prompts"
)

var (
	promptsArch  string
	promptsStage string
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage stored prompt templates",
	Long: `List, import, and activate prompt templates.

Templates are keyed by architecture and stage (planning, replan, execution).
The active template for a stage replaces the built-in prompt. Templates use
{{USER_QUERY}} style placeholders.`,
	Args: cobra.NoArgs,
	RunE: runPromptsList,
}

var promptsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import templates from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := prompts.LoadSeedFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openState(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := prompts.Import(context.Background(), db, templates)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Imported %d templates", n), color.FgGreen)
		return nil
	},
}

var promptsActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Make a template the active one for its stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openState(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ActivatePrompt(context.Background(), args[0]); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Activated %s", args[0]), color.FgGreen)
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a template's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openState(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := db.GetPrompt(context.Background(), args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("prompt %s not found", args[0])
		}
		fmt.Printf("# %s (%s/%s v%d)\n\n%s\n", p.Name, p.Architecture, p.Stage, p.Version, p.Content)
		return nil
	},
}

func init() {
	promptsCmd.Flags().StringVar(&promptsArch, "arch", "", "Filter by architecture")
	promptsCmd.Flags().StringVar(&promptsStage, "stage", "", "Filter by stage")
	promptsCmd.AddCommand(promptsImportCmd)
	promptsCmd.AddCommand(promptsActivateCmd)
	promptsCmd.AddCommand(promptsShowCmd)
}

func runPromptsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openState(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	templates, err := db.ListPrompts(context.Background(), promptsArch, promptsStage)
	if err != nil {
		return err
	}
	if len(templates) == 0 {
		fmt.Println("No prompt templates stored. Built-in prompts are in use.")
		return nil
	}
	for _, p := range templates {
		active := " "
		if p.Active {
			active = color.GreenString("*")
		}
		fmt.Fprintf(os.Stdout, "%s %s  %s/%s v%d  %s\n", active, p.ID, p.Architecture, p.Stage, p.Version, p.Name)
	}
	return nil
}
