package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/config"
	"github.com/BadgerOps/strmsync/internal/engine"
	"github.com/BadgerOps/strmsync/internal/schedule"
	"github.com/BadgerOps/strmsync/internal/treemirror"
)

const masked = "********"

var secretKeys = map[string]bool{
	"password":   true,
	"token":      true,
	"sign_token": true,
	"api_key":    true,
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect the strmsync configuration. Subcommands print the loaded
configuration and check every job record without contacting any server.`,
		Example: `  strmsync config show
  strmsync config validate --config /etc/strmsync/strmsync.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the loaded configuration in YAML format. Passwords, tokens and
the API key are masked.`,
		Example: `  strmsync config show
  strmsync config show --config ./strmsync.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(maskConfig(globalCfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))
	return nil
}

// maskConfig returns a copy of cfg with every secret replaced.
func maskConfig(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Server.APIKey != "" {
		out.Server.APIKey = masked
	}
	out.Alist2Strm = maskJobs(cfg.Alist2Strm)
	out.TreeMirror = maskJobs(cfg.TreeMirror)
	return &out
}

func maskJobs(jobs []config.JobConfig) []config.JobConfig {
	out := make([]config.JobConfig, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, maskMap(job))
	}
	return out
}

func maskMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch {
		case secretKeys[k] && v != nil && v != "":
			out[k] = masked
		default:
			if nested, ok := v.(map[string]interface{}); ok {
				out[k] = maskMap(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check every job record",
		Long: `Decode every alist2strm and treemirror record with its defaults applied,
compile its filters, and check its cron expression and catalog source.
Nothing is contacted over the network.`,
		Example: `  strmsync config validate`,
		RunE:    configValidateRun,
	}

	return cmd
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	errs := validateJobs(globalCfg, slog.Default())
	for _, err := range errs {
		fmt.Printf("  INVALID: %v\n", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d invalid job records", len(errs))
	}
	fmt.Printf("OK: %d alist2strm jobs, %d treemirror jobs\n", len(globalCfg.Alist2Strm), len(globalCfg.TreeMirror))
	return nil
}

// validateJobs builds every configured job the way a run would, without
// running it, and returns one error per bad record.
func validateJobs(cfg *config.Config, logger *slog.Logger) []error {
	var errs []error
	pool := alist.NewPool()

	for _, raw := range cfg.Alist2Strm {
		id := raw.ID()
		job, err := config.ParseJob[config.SyncJobConfig](raw)
		if err == nil {
			_, err = engine.NewJob(job, logger)
		}
		if err == nil {
			_, err = alist.New(alist.Options{URL: job.URL, Username: job.Username, Password: job.Password, Token: job.Token})
		}
		if err == nil {
			err = schedule.Validate(job.Cron)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("alist2strm %s: %w", id, err))
		}
	}

	for _, raw := range cfg.TreeMirror {
		id := raw.ID()
		job, err := config.ParseJob[config.MirrorJobConfig](raw)
		if err == nil {
			_, err = alist.New(alist.Options{URL: job.URL, Username: job.Username, Password: job.Password, Token: job.Token})
		}
		if err == nil {
			_, err = treemirror.NewSource(job.Source, pool, nil, logger)
		}
		if err == nil {
			err = schedule.Validate(job.Cron)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("treemirror %s: %w", id, err))
		}
	}
	return errs
}
