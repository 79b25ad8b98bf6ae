package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDiscoverCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List the providers and api_classes the site offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := flags.newClient().Discover(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range result.Providers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.Name, p.Description)
				for _, api := range p.APIs {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", api)
				}
			}
			if len(result.Providers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace("(no providers configured)"))
			}
			return nil
		},
	}
}
