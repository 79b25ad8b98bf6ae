package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request_id>",
		Short: "Cancel a submitted request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.newClient().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
