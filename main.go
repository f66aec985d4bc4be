package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/cmd/migrate"
	"github.com/chirino/conversation-service/internal/cmd/serve"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	// Variables already set in the environment take precedence over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Failed to load .env file", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaults := config.DefaultConfig()
	app := &cli.Command{
		Name:  "conversation-service",
		Usage: "Conversation membership and read-state service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "log-level",
				Category: "Logging:",
				Sources:  cli.EnvVars(config.EnvPrefix + "LOG_LEVEL"),
				Value:    defaults.LogLevel,
				Usage:    "Log level (debug|info|warn|error)",
			},
			&cli.StringFlag{
				Name:     "log-format",
				Category: "Logging:",
				Sources:  cli.EnvVars(config.EnvPrefix + "LOG_FORMAT"),
				Value:    defaults.LogFormat,
				Usage:    "Log format (text|json|logfmt)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, security.ConfigureLogging(cmd.String("log-level"), cmd.String("log-format"))
		},
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
