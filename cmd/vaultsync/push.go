package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPushCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Run one ordinary incremental push of every dirty table to every enabled backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Push(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("push complete")
			return nil
		},
	}
}
