// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wopr-project/wopr-core/trust"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and manage locally trusted peers",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every peer this node has exchanged trust with",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := trust.NewStore(trustPath())
		if err := store.Load(); err != nil {
			return fmt.Errorf("load trust state: %w", err)
		}
		peers := store.ListPeers()
		if len(peers) == 0 {
			fmt.Println("no peers")
			return nil
		}
		for _, p := range peers {
			status := "active"
			if p.Revoked {
				status = "revoked"
			}
			fmt.Printf("%s  %-8s  sessions=%v  caps=%v  %s\n", p.SignPub, status, p.Sessions, p.Caps, p.Label)
		}
		return nil
	},
}

var trustRevokeCmd = &cobra.Command{
	Use:   "revoke <signPubHex>",
	Short: "Revoke a peer's access; it immediately fails isAuthorized",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := trust.NewStore(trustPath())
		if err := store.Load(); err != nil {
			return fmt.Errorf("load trust state: %w", err)
		}
		if err := store.RevokePeer(args[0]); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	},
}

func init() {
	trustCmd.AddCommand(trustListCmd, trustRevokeCmd)
	rootCmd.AddCommand(trustCmd)
}
