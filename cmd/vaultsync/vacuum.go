package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVacuumCommand(configPath *string) *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Compact expired tombstones and reclaim freed database pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.CleanupTombstones(cmd.Context(), retentionDays)
			if err != nil {
				return err
			}
			if err := e.Vacuum(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("compacted %d expired tombstones, vacuumed\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 30, "tombstones older than this are deleted")
	return cmd
}
