package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/donaldgifford/market-ledger/internal/config"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the listing store",
	Long: "migrate opens the configured store (Postgres or SQLite), applies any\n" +
		"embedded migrations not yet recorded in schema_migrations, and exits.\n" +
		"Startup crash recovery is not run.",
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", time.Minute, "give up after this long")
	rootCmd.AddCommand(migrateCmd)
}

// runMigrate relies on withApp, which migrates the store as it opens it.
func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	return withApp(ctx, func(a *app) error {
		db := a.cfg.Database
		target := db.Path
		if db.Driver == config.DriverPostgres {
			target = db.Host + "/" + db.Name
		}
		a.log.Info("migrations complete", "driver", db.Driver, "target", target)
		return nil
	})
}
