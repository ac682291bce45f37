// SPDX-License-Identifier: LGPL-3.0-or-later

package protocol

import (
	"golang.org/x/sync/singleflight"

	"github.com/wopr-project/wopr-core/identity"
	"github.com/wopr-project/wopr-core/ratelimit"
	"github.com/wopr-project/wopr-core/replay"
	"github.com/wopr-project/wopr-core/trust"
)

// InjectHandler is the external callback invoked exactly once per accepted
// inject frame. An error reply becomes reject{session,"inject failed"}; it
// is never fatal to the connection.
type InjectHandler func(session string, plaintext []byte, fromSignPubHex string) error

// Config collects the engine's tunable, non-secret parameters. A future
// config loader would populate this from a file; here it exists as a
// typed, documented default, per the ambient convention the rest of this
// module's packages follow.
type Config struct {
	Timeouts Timeouts
}

// DefaultConfig sets DefaultTimeouts' handshake/request timeouts, so a
// node wired with zero-value configuration still behaves sensibly.
func DefaultConfig() Config {
	return Config{
		Timeouts: DefaultTimeouts(),
	}
}

// Engine ties the identity, trust, rate-limit, and replay layers to the
// wire protocol. One Engine is shared by a node's Listener and every
// initiator-side call (Inject, Claim, SendKeyRotation); all of its fields
// are safe for concurrent use.
type Engine struct {
	Identity *identity.Store
	Trust    *trust.Store
	Rate     *ratelimit.Gate
	Replay   *replay.Protector
	OnInject InjectHandler
	Config   Config

	// rotationSF collapses concurrent key-rotation frames for the same
	// (oldSignPub, newSignPub) pair, arriving on independent connections,
	// into a single trust.ProcessPeerKeyRotation call, preserving rotation
	// idempotence under concurrency rather than collapsing network calls.
	rotationSF singleflight.Group
}

// NewEngine constructs an Engine from its dependencies. onInject may be
// nil only for an initiator-only Engine that never runs a Listener.
func NewEngine(idStore *identity.Store, trustStore *trust.Store, rate *ratelimit.Gate, replayP *replay.Protector, onInject InjectHandler, cfg Config) *Engine {
	return &Engine{
		Identity: idStore,
		Trust:    trustStore,
		Rate:     rate,
		Replay:   replayP,
		OnInject: onInject,
		Config:   cfg,
	}
}
