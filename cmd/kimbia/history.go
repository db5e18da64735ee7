package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/history"
)

var (
	historyConfigPath string
	historySource     string
	historyStatus     string
	historyJob        string
	historyLimit      int
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs or show one in full",
	Long: `Query the run history. Without arguments, lists recent runs newest
first. With a run ID, prints that run's full record including captured
output.

Examples:
  kimbia history
  kimbia history --status failed --limit 10
  kimbia history --source scheduler --job nightly-backup
  kimbia history 4b2a9c1e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	historyCmd.Flags().StringVar(&historySource, "source", "", "filter by source (cli, api, scheduler, mcp)")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (succeeded, failed, timeout, no_output, error)")
	historyCmd.Flags().StringVar(&historyJob, "job", "", "filter by scheduler job name")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum entries to list")
}

func runHistory(_ *cobra.Command, args []string) error {
	logger := newLogger(false)

	cfg, err := loadConfig(historyConfigPath)
	if err != nil {
		return err
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	if len(args) == 1 {
		return showRun(ctx, store, args[0])
	}
	return listRuns(ctx, store)
}

func listRuns(ctx context.Context, store history.Store) error {
	runs, err := store.List(ctx, history.Filter{
		Source:  history.Source(historySource),
		Status:  history.Status(historyStatus),
		JobName: historyJob,
		Limit:   historyLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSOURCE\tSTATUS\tEXIT\tDURATION\tCOMMAND")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Source,
			r.Status,
			r.ExitCode,
			r.Duration().Round(time.Millisecond),
			strings.Join(r.Command, " "),
		)
	}
	return w.Flush()
}

func showRun(ctx context.Context, store history.Store, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid run ID %q", rawID)
	}

	run, err := store.Get(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", run.ID)
	fmt.Printf("Correlation: %s\n", run.CorrelationID)
	fmt.Printf("Source:      %s\n", run.Source)
	if run.JobName != "" {
		fmt.Printf("Job:         %s\n", run.JobName)
	}
	fmt.Printf("Command:     %s\n", strings.Join(run.Command, " "))
	fmt.Printf("Dir:         %s\n", run.Dir)
	fmt.Printf("Status:      %s\n", run.Status)
	fmt.Printf("Exit code:   %d\n", run.ExitCode)
	if run.Error != "" {
		fmt.Printf("Error:       %s\n", run.Error)
	}
	fmt.Printf("Started:     %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Duration:    %s\n", run.Duration().Round(time.Millisecond))
	if run.Stdout != "" {
		fmt.Printf("\n--- stdout ---\n%s", run.Stdout)
		if !strings.HasSuffix(run.Stdout, "\n") {
			fmt.Println()
		}
	}
	if run.Stderr != "" {
		fmt.Printf("\n--- stderr ---\n%s", run.Stderr)
		if !strings.HasSuffix(run.Stderr, "\n") {
			fmt.Println()
		}
	}
	return nil
}

func shortID(id uuid.UUID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
