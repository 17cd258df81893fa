// Package main implements the entry point for the studio-queue server,
// which accepts long-running content generation tasks and drains them
// through a durable priority queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/studio-queue/internal/config"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/platform/postgres"
	"github.com/spf13/pflag"
)

// options are the command line flags.
type options struct {
	configPath string
	migrate    string
}

func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("studio-queue", pflag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "path to a config file (default: ./config.yaml when present)")
	fs.StringVar(&opts.migrate, "migrate", "", "run a migration command (up|down|reset|status|version) and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch opts.migrate {
	case "", "up", "down", "reset", "status", "version":
	default:
		return nil, fmt.Errorf("unknown migrate command %q", opts.migrate)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid arguments: %v", err)
	}

	if err := run(opts); err != nil {
		log.Fatalf("studio-queue: %v", err)
	}
}

func run(opts *options) error {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	l.Info("server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.Bool("database", cfg.Database.URL != ""),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("media_runner", cfg.Media.Runner))

	if opts.migrate != "" {
		return runMigration(cfg, opts.migrate, l)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, l)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func runMigration(cfg *config.Config, command string, l *slog.Logger) error {
	if cfg.Database.URL == "" {
		return errors.New("database.url is required to run migrations")
	}
	db, err := openDatabase(cfg.Database, l)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return postgres.Migrate(db, command, l)
}
