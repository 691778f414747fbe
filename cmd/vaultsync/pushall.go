package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

func newPushAllCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "push-all <backend-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Re-upload the full current state of every CRDT table to one backend (server data-loss recovery)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.PushAll(cmd.Context(), model.BackendId(args[0])); err != nil {
				return err
			}
			fmt.Println("full re-upload complete")
			return nil
		},
	}
}
