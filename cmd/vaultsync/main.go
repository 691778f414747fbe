// Command vaultsync is an operator/debug front door onto the sync engine:
// manual push/pull, backend management, migration status, and vacuum —
// for support engineers and local development, not for end users (the
// engine's real caller is the embedding app via the engine package).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "vaultsync",
		Short: "Operator CLI for the vault sync engine",
		Long:  "vaultsync drives the sync engine (internal/* + engine) outside the embedding app, for debugging and support.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults + VAULTSYNC_* env vars still apply)")

	root.AddCommand(
		newMigrateCommand(&configPath),
		newBackendCommand(&configPath),
		newPushCommand(&configPath),
		newPullCommand(&configPath),
		newPushAllCommand(&configPath),
		newVacuumCommand(&configPath),
		newExportConfigCommand(&configPath),
		newImportConfigCommand(&configPath),
		newSetSettingCommand(&configPath),
	)
	return root
}
