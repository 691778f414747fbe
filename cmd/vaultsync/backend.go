package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

func newBackendCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage configured relay backends",
	}

	var serverURL, email, token string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new backend (disabled until enabled or initial-pulled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			b, err := e.AddBackend(cmd.Context(), serverURL, email, token)
			if err != nil {
				return err
			}
			fmt.Printf("added backend %s (%s)\n", b.Id, b.ServerURL)
			return nil
		},
	}
	addCmd.Flags().StringVar(&serverURL, "server-url", "", "relay base URL")
	addCmd.Flags().StringVar(&email, "email", "", "account email")
	addCmd.Flags().StringVar(&token, "token", "", "bearer token to seal under the vault key")
	addCmd.MarkFlagRequired("server-url")
	addCmd.MarkFlagRequired("email")
	addCmd.MarkFlagRequired("token")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			backends, err := e.ListBackends(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range backends {
				fmt.Printf("%s\tenabled=%v\t%s\t%s\n", b.Id, b.Enabled, b.Email, b.ServerURL)
			}
			return nil
		},
	}

	enableCmd := &cobra.Command{
		Use:   "enable <backend-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Enable a backend and start its runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.EnableBackend(cmd.Context(), model.BackendId(args[0]))
		},
	}

	disableCmd := &cobra.Command{
		Use:   "disable <backend-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Disable a backend and stop its runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.DisableBackend(cmd.Context(), model.BackendId(args[0]))
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <backend-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop and delete a backend's record and cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.RemoveBackend(cmd.Context(), model.BackendId(args[0]))
		},
	}

	cmd.AddCommand(addCmd, listCmd, enableCmd, disableCmd, removeCmd)
	return cmd
}
