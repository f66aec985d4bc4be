package migrate

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their loaders.
	_ "github.com/chirino/conversation-service/internal/plugin/store/mongo"
	_ "github.com/chirino/conversation-service/internal/plugin/store/postgres"
	_ "github.com/chirino/conversation-service/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the datastore schema and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars(config.EnvPrefix + "DB_URL"),
				Destination: &cfg.DBURL,
				Usage:       "Database connection URL",
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "db-kind",
				Sources:     cli.EnvVars(config.EnvPrefix + "DB_KIND"),
				Destination: &cfg.DatastoreType,
				Value:       cfg.DatastoreType,
				Usage:       "Store backend (" + strings.Join(registrystore.Names(), "|") + ")",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			// The command exists to migrate, whatever the serve default says.
			cfg.DatastoreMigrateAtStart = true
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType, "migrators", registrymigrate.Names())
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
