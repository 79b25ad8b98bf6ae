package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dfm/pkg/pipeline"
)

func newProcessCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "process <pipeline.json>",
		Short: "Submit a pipeline and print its assigned request id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var p pipeline.Pipeline
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			requestID, err := flags.newClient().Process(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), requestID)
			return nil
		},
	}
}
