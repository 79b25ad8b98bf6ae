package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"dfm/pkg/client"
)

func newResponsesCmd(flags *rootFlags) *cobra.Command {
	var stopNodes []string
	var showStatuses bool
	var showHeartbeats bool

	cmd := &cobra.Command{
		Use:   "responses <request_id>",
		Short: "Stream a request's responses until its stop nodes terminate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := flags.newClient().Responses(cmd.Context(), args[0], client.ResponsesOptions{
				StopNodeIDs:      stopNodes,
				ReturnStatuses:   showStatuses,
				ReturnHeartbeats: showHeartbeats,
			})
			for item := range stream {
				if item.Err != nil {
					return item.Err
				}
				line, err := json.Marshal(item.Response)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(line))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&stopNodes, "stop-node", nil, "node_id to wait for terminal state (repeatable); streams until cancelled if unset")
	cmd.Flags().BoolVar(&showStatuses, "statuses", false, "include StatusResponse envelopes in the output")
	cmd.Flags().BoolVar(&showHeartbeats, "heartbeats", false, "include HeartbeatResponse envelopes in the output")
	return cmd
}
