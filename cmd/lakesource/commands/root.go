package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openlakehouse/lakesource/pkg/adapter"
	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
	"github.com/openlakehouse/lakesource/pkg/state"
	"github.com/openlakehouse/lakesource/pkg/telemetry"

	// Subsystem adapters register themselves with the adapter registry.
	_ "github.com/openlakehouse/lakesource/pkg/adapters/azure"
	_ "github.com/openlakehouse/lakesource/pkg/adapters/databricks"
	_ "github.com/openlakehouse/lakesource/pkg/adapters/entra"
	_ "github.com/openlakehouse/lakesource/pkg/adapters/snowflake"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lakesource",
		Short: "Lakesource - Datasource Provisioning Orchestrator",
		Long: `Lakesource provisions a datasource end to end: ADLS storage and
identities on Azure, directory objects in Entra ID, Unity Catalog
objects in Databricks, and a catalog-linked database in Snowflake.

Runs are idempotent. Every step outcome is recorded in a state ledger,
so re-running create after a failure resumes at the failed step, and
delete tears down exactly what was recorded.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lakesource.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())

	return rootCmd
}

// stateStore widens engine.StateStore with the listing both backends
// support.
type stateStore interface {
	engine.StateStore
	List(ctx context.Context) ([]*engine.StateRecord, error)
}

func newLogger() *telemetry.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	return telemetry.NewLogger(telemetry.Options{Level: level, Console: true})
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newStateStore builds the configured state backend. The returned
// cleanup must be called when the command finishes.
func newStateStore(ctx context.Context, cfg *config.Config) (stateStore, func(), error) {
	switch cfg.State.Backend {
	case "sqlite":
		store, err := state.NewSQLiteStore(ctx, cfg.State.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := state.NewFileStore(cfg.State.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func newOrchestrator(cfg *config.Config, store stateStore, log *telemetry.Logger) (*engine.Orchestrator, error) {
	adapters, err := adapter.BuildAll(cfg, log)
	if err != nil {
		return nil, err
	}
	return engine.NewOrchestrator(store, adapters, log)
}

// printResult renders a run result as JSON or a human-readable summary.
func printResult(cmd *cobra.Command, result *engine.Result) error {
	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	for _, step := range result.Steps {
		switch step.Status {
		case engine.StepStatusFailed:
			cmd.Printf("  %-40s %-8s %s\n", step.Key, step.Status, step.Error)
		default:
			cmd.Printf("  %-40s %-8s %s\n", step.Key, step.Status, step.ExternalID)
		}
	}
	for _, sub := range engine.Subsystems() {
		outcome, ok := result.Subsystems[sub]
		if !ok {
			continue
		}
		cmd.Printf("%s: %d attempted, %d succeeded, %d failed\n",
			sub, outcome.Attempted, outcome.Succeeded, outcome.Failed)
	}
	if result.Success {
		cmd.Printf("datasource %q: success\n", result.Datasource)
	} else {
		cmd.Printf("datasource %q: FAILED\n", result.Datasource)
	}
	return nil
}
