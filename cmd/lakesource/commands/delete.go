package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

func newDeleteCommand() *cobra.Command {
	var subsystem string

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Tear down a datasource",
		Long: `Tear down the recorded resources of a datasource in reverse
dependency order. Failures are isolated: a step that cannot be removed
is recorded and skipped, and teardown continues with the remaining
steps. Resources that already vanished out of band count as removed.

A full delete that removes everything also removes the state record.
With --subsystem only that subsystem's resources are torn down and the
rest of the record is kept.`,
		Example: `  # Tear down everything
  lakesource delete customer-orders

  # Tear down only the warehouse objects
  lakesource delete customer-orders --subsystem warehouse`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name := engine.NormalizeName(args[0], cfg.Naming.Prefix, cfg.Naming.Separator)

			scope := engine.ScopeAll
			if subsystem != "" {
				scope = engine.ScopeSubsystem(engine.Subsystem(subsystem))
				if !engine.ValidSubsystem(scope.Subsystem) {
					return fmt.Errorf("unknown subsystem %q", subsystem)
				}
			}

			log := newLogger()
			store, closeStore, err := newStateStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			orch, err := newOrchestrator(cfg, store, log)
			if err != nil {
				return err
			}

			result, runErr := orch.Delete(cmd.Context(), name, scope)
			if result != nil {
				if err := printResult(cmd, result); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&subsystem, "subsystem", "", "restrict teardown to one subsystem (storage, directory, catalog, warehouse)")

	return cmd
}
