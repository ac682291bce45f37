// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wopr-project/wopr-core/transport"
)

var injectCmd = &cobra.Command{
	Use:   "inject <addr> <peerSignPubHex> <session> <message>",
	Short: "Dial a peer and inject message into one of its sessions",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine()
		if err != nil {
			return err
		}
		dialer := transport.NewWebSocketDialer()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		outcome := engine.Inject(ctx, dialer, args[0], args[1], args[2], []byte(args[3]))
		fmt.Println(outcome.Result.String())
		if outcome.Reason != "" {
			fmt.Println(outcome.Reason)
		}
		return exitFor(outcome)
	},
}

func init() {
	rootCmd.AddCommand(injectCmd)
}
