// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wopr-project/wopr-core/identity"
)

func identityPath() string {
	return filepath.Join(stateDir, "identity.json")
}

func openIdentityStore() *identity.Store {
	return identity.NewStore(identityPath())
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new node identity (signing + encryption keypair)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		store := openIdentityStore()
		id, err := store.InitIdentity(force)
		if err != nil {
			return err
		}
		fmt.Printf("identity initialized: %s\n", id.ShortID())
		fmt.Printf("  signPub:    %s\n", hex.EncodeToString(id.SignPub))
		fmt.Printf("  encryptPub: %s\n", hex.EncodeToString(id.EncryptPub[:]))
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print this node's short id and public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openIdentityStore()
		id, err := store.Load()
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		fmt.Printf("id:         %s\n", id.ShortID())
		fmt.Printf("signPub:    %s\n", hex.EncodeToString(id.SignPub))
		fmt.Printf("encryptPub: %s\n", hex.EncodeToString(id.EncryptPub[:]))
		if id.RotatedFrom != "" {
			fmt.Printf("rotatedFrom: %s (at %s)\n", id.RotatedFrom, id.RotatedAt)
		}
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate this node's identity and print the signed announcement to broadcast",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openIdentityStore()
		if _, err := store.Load(); err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		next, announcement, err := store.RotateIdentity()
		if err != nil {
			return err
		}
		raw, err := announcement.Encode()
		if err != nil {
			return err
		}
		fmt.Printf("rotated to: %s\n", next.ShortID())
		fmt.Printf("announcement (broadcast this to every known peer via a key-rotation frame):\n%s\n", raw)
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing identity")
	rootCmd.AddCommand(initCmd, whoamiCmd, rotateCmd)
}
