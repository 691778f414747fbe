package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

func newPullCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <backend-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Run one ordinary incremental pull from a single backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Pull(cmd.Context(), model.BackendId(args[0])); err != nil {
				return err
			}
			fmt.Println("pull complete")
			return nil
		},
	}
}
