package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haex-space/haex-vault-sync/internal/config"
	"github.com/haex-space/haex-vault-sync/internal/migrations"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run goose migrations for extension tables against the local vault",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "dir", "./migrations", "directory of .sql migration files")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				runner, store, err := openRunner(cmd.Context(), *configPath, migrationsDir)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := runner.Up(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				runner, store, err := openRunner(cmd.Context(), *configPath, migrationsDir)
				if err != nil {
					return err
				}
				defer store.Close()
				version, err := runner.Status(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("schema version: %d\n", version)
				return nil
			},
		},
	)
	return cmd
}

func openRunner(ctx context.Context, configPath, migrationsDir string) (*migrations.Runner, *sqlite.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("vaultsync: load config: %w", err)
	}
	store, err := sqlite.Open(ctx, cfg.Storage.VaultPath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("vaultsync: open vault: %w", err)
	}
	runner, err := migrations.NewRunner(store.DB(), os.DirFS(migrationsDir), ".", nil)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("vaultsync: construct migration runner: %w", err)
	}
	return runner, store, nil
}
