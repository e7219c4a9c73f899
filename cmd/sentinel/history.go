package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/sentinel/internal/state"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored workflow runs",
	Long: `Display recent workflow runs from the state database.

Use 'sentinel history show <run-id>' for the full result of one run.`,
	Args: cobra.NoArgs,
	RunE: runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one stored workflow run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Print as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to list")
	historyCmd.AddCommand(historyShowCmd)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openState(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(os.Stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Run 'sentinel run <objective>' to start.")
		return nil
	}
	writeRunList(os.Stdout, runs)
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openState(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("run %s not found", args[0])
	}
	if historyJSON {
		return writeJSON(os.Stdout, rec)
	}
	fmt.Printf("Objective: %s\n", rec.Result.Objective)
	fmt.Printf("Recorded:  %s\n\n", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	writeSummary(os.Stdout, &rec.Result)
	return nil
}

// writeRunList prints one line per stored run, newest first.
func writeRunList(w io.Writer, runs []state.RunSummary) {
	for _, r := range runs {
		mark := color.GreenString("✓")
		if !r.Success {
			mark = color.RedString("✗")
		}
		fmt.Fprintf(w, "%s %s  %s  rounds=%d tasks=%d/%d  %s\n",
			mark,
			r.ID,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Rounds,
			r.SuccessfulTasks,
			r.TotalTasks,
			truncate(r.Objective, 60),
		)
	}
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
