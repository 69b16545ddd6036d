package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/strmsync/internal/engine"
)

var (
	syncJobs     string
	syncProgress bool
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror remote trees into local pointer files",
		Long: `Run the configured alist2strm jobs once. By default every job runs; use
--job to run specific ones.

Each job will:
  1. Walk the remote source directory
  2. Plan a pointer file or download for every wanted entry
  3. Write pointer files and download sidecar files
  4. Delete local files no longer backed by the remote (when sync_server is set)

Interrupting the command cancels outstanding work; a cancelled run never
deletes anything.`,
		Example: `  strmsync sync
  strmsync sync --job movies,shows
  strmsync sync --job movies --progress`,
		RunE: syncRun,
	}

	cmd.Flags().StringVar(&syncJobs, "job", "", "comma-separated list of job ids to run")
	cmd.Flags().BoolVar(&syncProgress, "progress", false, "print progress while jobs run")

	return cmd
}

func syncRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalRunner == nil {
		return fmt.Errorf("runner not initialized")
	}

	jobs := selectJobs(syncJobs, globalCfg.Alist2Strm)
	if len(jobs) == 0 {
		log.Warn("no alist2strm jobs to run")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var totalWritten, totalDownloaded, totalDeleted, totalFailed int
	var totalBytes int64
	var errored int

	for _, id := range jobs {
		if ctx.Err() != nil {
			break
		}
		log.Info("running sync job", "job", id)

		eng, err := globalRunner.SyncEngine(id)
		if err != nil {
			fmt.Printf("  ERROR: %s - %v\n", id, err)
			errored++
			continue
		}

		var watching chan struct{}
		if syncProgress && !quiet {
			watching = make(chan struct{})
			go func() {
				defer close(watching)
				watchProgress(ctx, eng)
			}()
		}
		report, err := eng.Run(ctx)
		if watching != nil {
			<-watching
		}
		if err != nil {
			fmt.Printf("  ERROR: %s - %v\n", id, err)
			errored++
			if report == nil {
				continue
			}
		}

		totalWritten += report.Written
		totalDownloaded += report.Downloaded
		totalDeleted += len(report.Deleted)
		totalFailed += len(report.Failed)
		totalBytes += report.BytesTransferred

		if !quiet {
			printSyncReport(id, report)
		}
	}

	if !quiet {
		fmt.Println("\n=== SYNC SUMMARY ===")
		fmt.Printf("Total Written:    %d\n", totalWritten)
		fmt.Printf("Total Downloaded: %d (%s)\n", totalDownloaded, humanize.Bytes(uint64(totalBytes)))
		fmt.Printf("Total Deleted:    %d\n", totalDeleted)
		fmt.Printf("Total Failed:     %d\n", totalFailed)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sync interrupted: %w", err)
	}
	if errored > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", errored, len(jobs))
	}
	if totalFailed > 0 {
		return fmt.Errorf("sync completed with %d failures", totalFailed)
	}
	return nil
}

func printSyncReport(id string, report *engine.Report) {
	fmt.Printf("\n%s (%s, %s):\n", id, report.Status(),
		report.EndTime.Sub(report.StartTime).Round(time.Millisecond))
	fmt.Printf("  Discovered: %d\n", report.Discovered)
	fmt.Printf("  Written:    %d\n", report.Written)
	fmt.Printf("  Downloaded: %d\n", report.Downloaded)
	fmt.Printf("  Skipped:    %d\n", report.Skipped)
	fmt.Printf("  Deleted:    %d\n", len(report.Deleted))
	fmt.Printf("  Failed:     %d\n", len(report.Failed))
	fmt.Printf("  Bytes:      %s\n", humanize.Bytes(uint64(report.BytesTransferred)))
	if !report.DiscoveryComplete {
		fmt.Println("  Remote walk incomplete; nothing was deleted")
	}

	if len(report.Failed) > 0 {
		fmt.Println("  Failed files:")
		for _, f := range report.Failed {
			fmt.Printf("    - %s: %v\n", f.RemotePath, f.Err)
		}
	}
}

// watchProgress prints a progress line on every tracker update, at most
// once a second, until the run ends or ctx is cancelled.
func watchProgress(ctx context.Context, eng *engine.Engine) {
	var tracker *engine.Tracker
	for tracker == nil {
		if tracker = eng.ActiveProgress(); tracker != nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	var last time.Time
	for {
		p := tracker.Snapshot()
		if finished(p.Phase) {
			fmt.Fprintf(os.Stderr, "\r%s\n", progressLine(p))
			return
		}
		if time.Since(last) >= time.Second {
			fmt.Fprintf(os.Stderr, "\r%s", progressLine(p))
			last = time.Now()
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return
		case <-tracker.Wait():
		case <-time.After(time.Second):
		}
	}
}

func finished(phase engine.Phase) bool {
	switch phase {
	case engine.PhaseComplete, engine.PhaseFailed, engine.PhaseCancelled:
		return true
	}
	return false
}

func progressLine(p engine.Progress) string {
	return fmt.Sprintf("[%s] %-13s %5.1f%%  %d/%d done  %d failed  %s/%s",
		p.Job, p.Phase, p.Percent,
		p.Written+p.Downloaded+p.Skipped, p.Planned, p.Failed,
		humanize.Bytes(uint64(p.BytesDownloaded)), humanize.Bytes(uint64(p.TotalBytes)))
}
