package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusJob    string
	statusLimit  int
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display run history",
		Long: `Display recent sync and mirror runs, newest first, with their counts and
status. Use --job to limit the history to one job, and --failed to list the
entries that job abandoned after exhausting its retries.`,
		Example: `  strmsync status
  strmsync status --job movies --limit 5
  strmsync status --job movies --failed`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusJob, "job", "", "job id to show history for")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum number of runs to show")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "list unresolved failed files of --job")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	if statusFailed {
		if statusJob == "" {
			return fmt.Errorf("--failed requires --job")
		}
		return printFailedFiles(statusJob)
	}

	if statusLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	runs, err := globalStore.ListSyncRuns(statusJob, statusLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Println("Run History")
	fmt.Println("===========")
	fmt.Println("")
	fmt.Printf("%-7s %-16s %-10s %8s %8s %8s %8s %10s %16s\n",
		"Kind", "Job", "Status", "Found", "Written", "Deleted", "Failed", "Bytes", "Started")
	fmt.Println(strings.Repeat("-", 101))

	for _, run := range runs {
		fmt.Printf("%-7s %-16s %-10s %8d %8d %8d %8d %10s %16s\n",
			run.Kind,
			truncate(run.Job, 16),
			run.Status,
			run.FilesDiscovered,
			run.FilesWritten+run.FilesDownloaded,
			run.FilesDeleted,
			run.FilesFailed,
			humanize.Bytes(uint64(run.BytesTransferred)),
			startedAt(run.StartTime),
		)
		if run.ErrorMessage != "" && run.Status != "success" {
			fmt.Printf("        %s\n", run.ErrorMessage)
		}
	}

	fmt.Println("")
	return nil
}

func printFailedFiles(job string) error {
	records, err := globalStore.ListFailedFiles(job)
	if err != nil {
		return fmt.Errorf("listing failed files: %w", err)
	}
	if len(records) == 0 {
		fmt.Printf("No unresolved failures for %s\n", job)
		return nil
	}

	fmt.Printf("Failed files for %s\n", job)
	fmt.Println(strings.Repeat("=", 17+len(job)))
	for _, rec := range records {
		fmt.Printf("\n%s\n", rec.FilePath)
		fmt.Printf("  Dest:     %s\n", rec.DestPath)
		fmt.Printf("  Error:    %s\n", rec.Error)
		fmt.Printf("  Failures: %d, last %s\n", rec.RetryCount, humanize.Time(rec.LastFailure))
	}
	fmt.Println("")
	return nil
}

func startedAt(t time.Time) string {
	if time.Since(t) < 24*time.Hour {
		return humanize.Time(t)
	}
	return t.Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
