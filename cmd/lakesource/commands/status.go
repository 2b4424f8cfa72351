package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show the recorded state of a datasource",
		Long: `Show the state ledger of a datasource: every recorded resource, its
status, external reference, and the last error if a step failed.`,
		Example: `  lakesource status customer-orders
  lakesource status customer-orders --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name := engine.NormalizeName(args[0], cfg.Naming.Prefix, cfg.Naming.Separator)

			store, closeStore, err := newStateStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			record, err := store.Get(cmd.Context(), name)
			if err != nil {
				return err
			}
			if record == nil {
				return fmt.Errorf("no state recorded for datasource %q", name)
			}

			if jsonOutput {
				data, err := json.MarshalIndent(record, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding state: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			printRecord(cmd, record)
			return nil
		},
	}

	return cmd
}

func printRecord(cmd *cobra.Command, record *engine.StateRecord) {
	cmd.Printf("datasource %q (updated %s)\n", record.Name, record.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	if record.LastError != "" {
		cmd.Printf("last error: %s\n", record.LastError)
	}

	keys := make([]string, 0, len(record.Resources))
	for key := range record.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rec := record.Resources[key]
		switch rec.Status {
		case engine.StatusFailed:
			cmd.Printf("  %-40s %-8s %s\n", key, rec.Status, rec.Error)
		default:
			cmd.Printf("  %-40s %-8s %s\n", key, rec.Status, rec.ExternalID)
		}
	}
}
