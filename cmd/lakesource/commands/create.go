package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		only        []string
		description string
		owner       string
		labels      []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Provision a datasource",
		Long: `Provision every resource a datasource needs, in dependency order:

  storage:    ADLS container, managed identity, role assignment
  directory:  app registration, service principal, group, membership
  catalog:    account service principal, storage credential,
              external location, catalog, catalog grant
  warehouse:  external volume, catalog integration, linked database

Steps already recorded as created are skipped, so re-running after a
failure resumes at the failed step. The run halts at the first failing
step; its error stays in the state ledger.`,
		Example: `  # Provision everything for a datasource
  lakesource create customer-orders

  # Retry after a failure (completed steps are skipped)
  lakesource create customer-orders

  # Provision a subset (prerequisites must be included)
  lakesource create customer-orders --only container,managed-identity`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name := engine.NormalizeName(args[0], cfg.Naming.Prefix, cfg.Naming.Separator)
			if name == "" {
				return fmt.Errorf("datasource name %q normalizes to nothing usable", args[0])
			}

			specs, err := buildSpecs(only, specParams(description, owner, labels))
			if err != nil {
				return err
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

			result, runErr := orch.Create(cmd.Context(), name, specs)
			if result != nil {
				if err := printResult(cmd, result); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "restrict to these resource kinds (default: all)")
	cmd.Flags().StringVar(&description, "description", "", "datasource description")
	cmd.Flags().StringVar(&owner, "owner", "", "datasource owner")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "label in key=value form (repeatable)")

	return cmd
}

// buildSpecs expands the requested kinds into resource specs. With no
// restriction, the full supported set is requested.
func buildSpecs(only []string, params map[string]string) ([]engine.ResourceSpec, error) {
	requested := make(map[engine.Kind]bool, len(only))
	for _, raw := range only {
		kind := engine.Kind(strings.TrimSpace(raw))
		if _, known := engine.SubsystemOf(kind); !known {
			return nil, fmt.Errorf("unsupported resource kind %q", kind)
		}
		requested[kind] = true
	}

	var specs []engine.ResourceSpec
	for _, kind := range engine.SupportedKinds() {
		if len(requested) > 0 && !requested[kind] {
			continue
		}
		sub, _ := engine.SubsystemOf(kind)
		specs = append(specs, engine.ResourceSpec{
			Subsystem: sub,
			Kind:      kind,
			Params:    params,
		})
	}
	return specs, nil
}

func specParams(description, owner string, labels []string) map[string]string {
	params := make(map[string]string)
	if description != "" {
		params["description"] = description
	}
	if owner != "" {
		params["owner"] = owner
	}
	if len(labels) > 0 {
		params["labels"] = strings.Join(labels, ",")
	}
	return params
}
