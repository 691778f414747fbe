package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newExportConfigCommand(configPath *string) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export-config",
		Short: "Dump the configured backend list to YAML, for a support bundle",
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
			data, err := yaml.Marshal(backends)
			if err != nil {
				return fmt.Errorf("vaultsync: marshal backends: %w", err)
			}
			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o600)
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "output file, or - for stdout")
	return cmd
}
