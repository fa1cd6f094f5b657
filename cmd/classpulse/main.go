package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"classpulse/internal/app"
	"classpulse/internal/config"
	"classpulse/internal/database"
	pkgdatabase "classpulse/pkg/database"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "classpulse",
		Short:         "Realtime notification, presence and activity server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CLASSPULSE_CONFIG_FILE"), "path to a JSON or YAML config file")

	root.AddCommand(serveCmd(&configPath), migrateCmd(&configPath))
	return root
}

// serveCmd runs the server until SIGINT/SIGTERM
func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			application, err := app.NewApplication(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := application.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			logger.Info("shutdown requested")

			// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return application.Stop(shutdownCtx)
		},
	}
}

// migrateCmd applies pending schema migrations and exits
func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			dbConfig := pkgdatabase.DefaultConfig()
			dbConfig.DatabasePath = cfg.Database.Path
			manager, err := database.NewManager(dbConfig, zap.NewNop())
			if err != nil {
				return err
			}
			defer manager.Close()

			migrations := pkgdatabase.NewMigrationManager(manager.GetDB())
			applied, err := migrations.ApplyMigrations()
			if err != nil {
				return err
			}
			if err := migrations.ValidateSchema(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(out, "applied migration %s\n", version)
			}
			return nil
		},
	}
}
