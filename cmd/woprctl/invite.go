// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wopr-project/wopr-core/transport"
	"github.com/wopr-project/wopr-core/trust"
)

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Mint and claim invite tokens",
}

var inviteCreateCmd = &cobra.Command{
	Use:   "create <subjectSignPubHex>",
	Short: "Mint an invite token naming subjectSignPubHex as its sole claimant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, _ := cmd.Flags().GetStringSlice("sessions")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if len(sessions) == 0 {
			sessions = []string{trust.AnySession}
		}

		idStore := openIdentityStore()
		id, err := idStore.Load()
		if err != nil {
			return fmt.Errorf("load identity (run 'woprctl init' first): %w", err)
		}

		tok, err := id.CreateInviteToken(args[0], sessions, []string{trust.CapInject}, ttl)
		if err != nil {
			return err
		}
		wire, err := tok.Encode()
		if err != nil {
			return err
		}

		trustStore := trust.NewStore(trustPath())
		if err := trustStore.Load(); err != nil {
			return fmt.Errorf("load trust state: %w", err)
		}
		if err := trustStore.RecordInvite(tok.Nonce, tok.Sub, tok.IssuedAt, tok.ExpiresAt); err != nil {
			return fmt.Errorf("record invite: %w", err)
		}

		fmt.Printf("invite for %s (sessions=%s, expires %s):\n%s\n",
			args[0], strings.Join(sessions, ","), tok.ExpiresAt.Format(time.RFC3339), wire)
		return nil
	},
}

var inviteClaimCmd = &cobra.Command{
	Use:   "claim <addr> <token>",
	Short: "Dial addr and claim a previously minted invite token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine()
		if err != nil {
			return err
		}
		dialer := transport.NewWebSocketDialer()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		outcome := engine.Claim(ctx, dialer, args[0], args[1])
		fmt.Println(outcome.Result.String())
		if outcome.Reason != "" {
			fmt.Println(outcome.Reason)
		}
		return exitFor(outcome)
	},
}

func init() {
	inviteCreateCmd.Flags().StringSlice("sessions", nil, "session name patterns the invite grants (default: *)")
	inviteCreateCmd.Flags().Duration("ttl", time.Hour, "invite validity duration")
	inviteCmd.AddCommand(inviteCreateCmd, inviteClaimCmd)
	rootCmd.AddCommand(inviteCmd)
}
