// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"fmt"
	"path/filepath"

	"github.com/wopr-project/wopr-core/identity"
	"github.com/wopr-project/wopr-core/protocol"
	"github.com/wopr-project/wopr-core/ratelimit"
	"github.com/wopr-project/wopr-core/replay"
	"github.com/wopr-project/wopr-core/trust"
)

func trustPath() string {
	return filepath.Join(stateDir, "trust.json")
}

// newEngine loads the current identity and trust state and wires them, the
// default rate/replay gates, and an injection handler that prints each
// delivered payload to stdout into an Engine. Every CLI command that talks
// to a peer uses it: the initiator calls (claim, inject) and the listen
// command's responder alike.
func newEngine() (*protocol.Engine, error) {
	idStore := identity.NewStore(identityPath())
	if _, err := idStore.Load(); err != nil {
		return nil, fmt.Errorf("load identity (run 'woprctl init' first): %w", err)
	}

	trustStore := trust.NewStore(trustPath())
	if err := trustStore.Load(); err != nil {
		return nil, fmt.Errorf("load trust state: %w", err)
	}

	rate := ratelimit.New(ratelimit.DefaultConfig())
	replayP := replay.New(replay.DefaultConfig())

	onInject := func(session string, plaintext []byte, fromSignPubHex string) error {
		fmt.Printf("[inject] session=%s from=%s payload=%s\n", session, fromSignPubHex, plaintext)
		return nil
	}

	return protocol.NewEngine(idStore, trustStore, rate, replayP, onInject, protocol.DefaultConfig()), nil
}
