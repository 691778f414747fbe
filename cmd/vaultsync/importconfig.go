package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

func newImportConfigCommand(configPath *string) *cobra.Command {
	var in string

	cmd := &cobra.Command{
		Use:   "import-config",
		Short: "Restore a backend list previously written by export-config",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("vaultsync: read %s: %w", in, err)
			}
			var backends []model.Backend
			if err := yaml.Unmarshal(data, &backends); err != nil {
				return fmt.Errorf("vaultsync: parse %s: %w", in, err)
			}

			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.ImportBackends(cmd.Context(), backends); err != nil {
				return err
			}
			fmt.Printf("imported %d backend(s)\n", len(backends))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input YAML file from export-config")
	cmd.MarkFlagRequired("in")
	return cmd
}
