package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/strmsync/internal/config"
	"github.com/BadgerOps/strmsync/internal/store"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalRunner *Runner
)

// initializeComponents opens the run history and builds the job runner
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.Server.DBPath
	if dbPath == "" {
		dbPath = config.DefaultConfig().Server.DBPath
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	globalRunner = NewRunner(globalCfg, globalStore, logger)

	logger.Debug("components initialized",
		"db_path", dbPath,
		"sync_jobs", len(globalCfg.Alist2Strm),
		"mirror_jobs", len(globalCfg.TreeMirror))
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":     true,
		"version":  true,
		"config":   true,
		"show":     true,
		"validate": true,
	}
	return skipInitCmds[cmd.Name()]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strmsync",
		Short: "Mirror a remote file service into a local media library",
		Long: `strmsync walks an AList-compatible remote file service and mirrors it into a
local directory: media files become small .strm pointer files, and subtitles,
images and metadata are downloaded. It also keeps address-tree storages on the
remote service filled from external catalogs.`,
		Example: `  strmsync sync
  strmsync sync --job movies,shows --progress
  strmsync mirror --job anime
  strmsync serve
  strmsync status --job movies --failed`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if globalCfg.Settings.Dev && !cmd.Flags().Changed("log-level") {
				logLevel = "debug"
				setupLogging()
			}
			if !quiet {
				logger.Debug("config loaded", "path", cfgPath)
			}

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newSyncCmd(),
		newMirrorCmd(),
		newServeCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// selectJobs splits a comma-separated --job value, or returns every
// configured id when it is empty.
func selectJobs(flag string, jobs []config.JobConfig) []string {
	if flag != "" {
		var ids []string
		for _, id := range strings.Split(flag, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID())
	}
	return ids
}
