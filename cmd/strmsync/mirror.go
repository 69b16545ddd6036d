package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var mirrorJobs string

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Merge external catalogs into address-tree storages",
		Long: `Run the configured treemirror jobs once. Each job reads its catalog (an
ani season listing, another remote tree, an RSS feed or an HTML index),
merges it into the address tree of the storage mounted at target_dir,
and writes the storage back only when the merge changed something.`,
		Example: `  strmsync mirror
  strmsync mirror --job anime`,
		RunE: mirrorRun,
	}

	cmd.Flags().StringVar(&mirrorJobs, "job", "", "comma-separated list of job ids to run")

	return cmd
}

func mirrorRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalRunner == nil {
		return fmt.Errorf("runner not initialized")
	}

	jobs := selectJobs(mirrorJobs, globalCfg.TreeMirror)
	if len(jobs) == 0 {
		log.Warn("no treemirror jobs to run")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, id := range jobs {
		if ctx.Err() != nil {
			break
		}
		log.Info("running mirror job", "job", id)

		result, err := globalRunner.RunMirror(ctx, id)
		if err != nil {
			fmt.Printf("  ERROR: %s - %v\n", id, err)
			failed++
			continue
		}
		if quiet {
			continue
		}

		fmt.Printf("\n%s (%s):\n", id, result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
		fmt.Printf("  Storage:  %s (id %d)\n", result.MountPath, result.StorageID)
		fmt.Printf("  Catalog:  %d\n", result.Catalog)
		fmt.Printf("  Changed:  %d\n", result.Changed)
		fmt.Printf("  Leaves:   %d\n", result.Leaves)
		if result.Updated {
			fmt.Println("  Storage updated")
		} else {
			fmt.Println("  Already up to date")
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mirror interrupted: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d mirror jobs failed", failed, len(jobs))
	}
	return nil
}
