package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/spotter/internal/config"
	"github.com/andresmejia3/spotter/internal/logger"
	"github.com/andresmejia3/spotter/internal/store"
)

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// DB is the optional result store; nil when no database is configured
	DB *store.Store
	// Logger is the structured logger for engine internals
	Logger *slog.Logger

	cfgFile string
	dbURL   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "spotter",
	Short:   "Reference-calibrated visual recognition engine",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Configuration: defaults < file < SPOTTER_* env < flags
		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}

		// 2. Logging
		Logger = logger.Setup(Cfg.Log.Level, Cfg.Log.Format)

		// 3. Database is optional; only commands that persist need it
		if Cfg.Database.URL == "" {
			return nil
		}
		DB, err = store.New(cmd.Context(), Cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled (Ctrl+C); closing still needs a live one.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML/JSON config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (overrides database.url)")
}
