package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the connected Process instance's version and site name",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := flags.newClient().Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %s\nsite:    %s\n", info.Version, info.Site)
			return nil
		},
	}
}
