package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSetSettingCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-setting <key> <value>",
		Short: "Update one vault_settings tunable and hot-reload the running engine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.UpdateSetting(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	}
}
