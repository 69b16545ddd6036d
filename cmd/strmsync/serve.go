package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/strmsync/internal/schedule"
	"github.com/BadgerOps/strmsync/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run jobs on their cron schedules",
		Long: `Run every configured job on its cron schedule until interrupted. A job
never overlaps a run of itself; a tick that arrives while the previous run
is still going is skipped.

When server.listen and server.api_key are both set, an HTTP control surface
is started as well: manual triggers, job and run listings, live progress
and Prometheus metrics.`,
		Example: `  strmsync serve
  strmsync serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port), overrides server.listen")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalRunner == nil {
		return fmt.Errorf("runner not initialized")
	}
	if serveListen != "" {
		globalCfg.Server.Listen = serveListen
	}

	sched := schedule.New(logger)
	if err := globalRunner.Schedule(sched); err != nil {
		return fmt.Errorf("scheduling jobs: %w", err)
	}
	sched.Start()
	log.Info("scheduler started", "jobs", len(sched.Jobs()))

	errChan := make(chan error, 1)
	var srv *server.Server
	if globalCfg.Server.Enabled() {
		srv = server.NewServer(globalRunner, globalStore, globalCfg.Server.APIKey, logger)
		go func() {
			if err := srv.Start(globalCfg.Server.Listen); err != nil {
				errChan <- err
			}
		}()
	} else {
		log.Warn("HTTP control surface disabled; set server.listen and server.api_key to enable it")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}
	if err := sched.Stop(ctx); err != nil {
		log.Error("scheduler did not stop in time", "error", err)
	}
	log.Info("stopped")
	return runErr
}
