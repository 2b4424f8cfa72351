package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List datasources with recorded state",
		Example: `  lakesource list
  lakesource list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, closeStore, err := newStateStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding state records: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			if len(records) == 0 {
				cmd.Println("no datasources recorded")
				return nil
			}
			for _, record := range records {
				created, failed := 0, 0
				for _, rec := range record.Resources {
					switch rec.Status {
					case engine.StatusCreated:
						created++
					case engine.StatusFailed:
						failed++
					}
				}
				cmd.Printf("%-40s %d resources (%d created, %d failed), updated %s\n",
					record.Name, len(record.Resources), created, failed,
					record.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}

	return cmd
}
