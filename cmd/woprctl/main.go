// SPDX-License-Identifier: LGPL-3.0-or-later

// Command woprctl is a thin debug CLI over the identity and trust stores:
// it exists so a node's key material and trust state can be inspected
// and exercised from a terminal during development. It is not an
// application-facing façade — configuration loading, plugin management,
// and the other higher-level application surfaces stay out of scope;
// this only drives the identity/trust/protocol packages directly.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var stateDir string

var rootCmd = &cobra.Command{
	Use:   "woprctl",
	Short: "woprctl manages a node's identity and trust state",
	Long: `woprctl is a debug CLI over the wopr-core identity and trust stores.

It supports:
  - identity initialization and rotation
  - invite token minting and claiming
  - trust listing and revocation`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir(), "directory holding identity.json and trust.json")
}

func defaultStateDir() string {
	if dir := os.Getenv("WOPR_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wopr"
	}
	return home + "/.wopr"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
