package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetkey/fleetkey/internal/device"
)

// NewSchemaCommand creates the schema command. It only needs the
// driver name, so it works without a reachable database.
func NewSchemaCommand(env *Env) *cobra.Command {
	var driver string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the device table DDL",
		Long: `Print the CREATE TABLE statement for the devices table, for feeding
into a migration tool or psql/mysql directly.`,
		Example: `  fleetkey schema --driver postgres | psql "$DSN"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if driver == "" {
				cfg, err := env.loadConfig()
				if err != nil {
					return fmt.Errorf("no --driver given and %w", err)
				}
				driver = cfg.Database.Driver
			}
			if driver != device.DriverPostgres && driver != device.DriverMySQL {
				return fmt.Errorf("unknown driver '%s'", driver)
			}
			fmt.Println(device.Schema(driver))
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "Database driver: postgres or mysql (defaults to the config file's)")

	return cmd
}
