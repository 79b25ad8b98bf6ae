package main

import (
	"time"

	"github.com/spf13/cobra"

	"dfm/pkg/client"
)

// rootFlags holds the client-connection flags shared by every subcommand.
type rootFlags struct {
	address string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "dfmctl",
		Short:         "dfmctl talks to a DFM Process instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.address, "address", "http://localhost:8080", "Process base URL")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newVersionCmd(flags),
		newDiscoverCmd(flags),
		newProcessCmd(flags),
		newResponsesCmd(flags),
		newCancelCmd(flags),
	)
	return cmd
}

func (f *rootFlags) newClient() *client.Client {
	return client.New(client.Config{Address: f.address, Timeout: f.timeout})
}
