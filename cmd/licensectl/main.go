// Command licensectl is the operator CLI for cloudLicense: schema migration,
// API keys, key batches, subscriptions and the product catalog.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cloudLicense/internal/adapters/notify"
	"github.com/poyrazK/cloudLicense/internal/adapters/queue"
	"github.com/poyrazK/cloudLicense/internal/adapters/repository"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/core/services"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "licensectl",
	Short:         "Administer a cloudLicense deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
}

type rootFlags struct {
	databaseURL string
	actor       string
}

var rootArgs rootFlags

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.databaseURL, "database-url", "",
		"Postgres connection string (defaults to CLOUDLICENSE_DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rootArgs.actor, "actor", "licensectl",
		"identity recorded in audit events for admin actions")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// backend is what every subcommand runs against.
type backend struct {
	store *repository.PostgresStore
	keys  ports.KeyService
	subs  ports.SubscriptionService
}

// withBackend opens the store, builds the services and waits for their audit
// side effects before closing the connection.
func withBackend(ctx context.Context, fn func(b *backend) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dbURL := rootArgs.databaseURL
	if dbURL == "" {
		dbURL = cfg.Database.URL
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if errClose := db.Close(); errClose != nil {
			slog.Error("failed to close database", "error", errClose)
		}
	}()

	store := repository.NewPostgresStore(db, cfg.Database.LockTimeout, cfg.Database.StatementTimeout)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	post := services.NewPostCommit(queue.NewInlineQueue(store, notify.NewLogNotifier(logger)), logger)
	defer post.Wait()

	return fn(&backend{
		store: store,
		keys:  services.NewKeyService(store, store, nil, post, logger),
		subs:  services.NewSubscriptionService(store, nil, post, logger),
	})
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			if err := b.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
