package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/postgres"
	"qms/dispatch-service/internal/store/sqlite"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const serviceName = "dispatch-service"

func main() {
	v := config.NewViper()
	root := newRootCmd(v)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Queue ticket dispatch service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("store-driver", "", "storage backend: postgres or sqlite")
	flags.String("db-dsn", "", "postgres connection string")
	flags.String("sqlite-path", "", "sqlite database file")
	flags.String("queue-timezone", "", "time zone that bounds the numbering day")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	for _, name := range []string{"store-driver", "db-dsn", "sqlite-path", "queue-timezone", "log-level", "log-format"} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	root.AddCommand(serveCmd(v))
	root.AddCommand(migrateCmd(v))
	root.AddCommand(sweepCmd(v))
	root.AddCommand(queueCmd(v))
	root.AddCommand(statsCmd(v))
	return root
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(ctx context.Context, cfg config.Config) (store.TicketStore, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath, sqlite.Options{})
	default:
		return postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{})
	}
}

func newService(st store.TicketStore, cfg config.Config, logger *slog.Logger, options dispatch.Options) *dispatch.Service {
	options.Location = cfg.Location
	options.MaxCallAttempts = cfg.CallMaxAttempts
	options.CalledListLimit = cfg.CalledListLimit
	options.StatsWindow = cfg.StatsWindow
	options.StatsSampleSize = cfg.StatsSampleSize
	options.Logger = logger
	return dispatch.NewService(st, options)
}

func sweepPolicy(cfg config.Config) dispatch.SweepPolicy {
	return dispatch.SweepPolicy{
		CalledTimeout:       cfg.AbandonCalledAfter,
		AbandonPreviousDays: cfg.AbandonPreviousDays,
		BatchSize:           cfg.AbandonBatchSize,
	}
}

// setup loads configuration and opens the store for one-shot commands.
func setup(ctx context.Context, v *viper.Viper) (config.Config, *slog.Logger, store.TicketStore, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger := newLogger(cfg)
	st, err := openStore(ctx, cfg)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return cfg, logger, st, nil
}
