// SPDX-License-Identifier: LGPL-3.0-or-later

package protocol

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/wopr-project/wopr-core/crypto"
	"github.com/wopr-project/wopr-core/identity"
	"github.com/wopr-project/wopr-core/metrics"
	"github.com/wopr-project/wopr-core/transport"
	"github.com/wopr-project/wopr-core/trust"
)

// Inject sends one encrypted payload to peerSignPubHex's session, dialing
// addr fresh for this single request: one connection per request, no
// persistent connection pool. It first checks the locally cached Peer
// record; an unauthorized session never opens a connection at all.
func (e *Engine) Inject(ctx context.Context, dialer transport.Dialer, addr, peerSignPubHex, session string, plaintext []byte) Outcome {
	peer, err := e.Trust.GetPeer(peerSignPubHex)
	if err != nil || peer.EncryptPub == "" {
		return Outcome{Result: ResultInvalid, Reason: "unknown peer or missing encryption key"}
	}
	if !hasSessionLocal(peer.Sessions, session) {
		return Outcome{Result: ResultRejected, Reason: "session not authorized locally"}
	}

	self, err := e.Identity.Current()
	if err != nil {
		return Outcome{Result: ResultInvalid, Reason: err.Error()}
	}

	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		metrics.RecordHandshake("initiator", "offline")
		return Outcome{Result: ResultOffline, Reason: err.Error()}
	}
	defer conn.Close()

	hs, outcome := initiatorHandshake(ctx, conn, self, e.Config.Timeouts.Handshake)
	if outcome.Result != ResultOK {
		metrics.RecordHandshake("initiator", handshakeOutcomeLabel(outcome.Result))
		return outcome
	}
	metrics.RecordHandshake("initiator", "ok")

	var payloadB64, ephemeralPub, encryptPub string
	if hs.version >= 2 {
		payloadB64, err = crypto.EncryptWithEphemeral(hs.myEphPriv, hs.peerEphPub, plaintext)
		if err != nil {
			return Outcome{Result: ResultInvalid, Reason: err.Error()}
		}
		myEphPub, err := publicFromEphemeralPriv(hs.myEphPriv)
		if err != nil {
			return Outcome{Result: ResultInvalid, Reason: err.Error()}
		}
		ephemeralPub = toHex32(myEphPub)
	} else {
		peerEncPub, err := hexTo32(peer.EncryptPub)
		if err != nil {
			return Outcome{Result: ResultInvalid, Reason: err.Error()}
		}
		payloadB64, err = crypto.EncryptStatic(self.EncryptPub, self.EncryptPriv, peerEncPub, plaintext)
		if err != nil {
			return Outcome{Result: ResultInvalid, Reason: err.Error()}
		}
		encryptPub = hex.EncodeToString(self.EncryptPub[:])
	}

	nonce, err := randomNonceHex()
	if err != nil {
		return Outcome{Result: ResultInvalid, Reason: err.Error()}
	}
	req := newFrame(hs.version, hex.EncodeToString(self.SignPub), nonce, InjectPayload{
		Session: session, PayloadB64: payloadB64, EncryptPub: encryptPub, EphemeralPub: ephemeralPub,
	})

	reply, err := roundTrip(ctx, conn, req, self.SignPriv, e.Config.Timeouts.Request)
	if err != nil {
		return Outcome{Result: ResultOffline, Reason: err.Error()}
	}
	return replyToOutcome(reply)
}

// Claim sends a claim request for a previously minted, base64-encoded
// invite token, and on success records the issuer as a trusted peer
// locally (the mirror image of the issuer's own grantAccess call).
func (e *Engine) Claim(ctx context.Context, dialer transport.Dialer, addr, tokenWire string) Outcome {
	token, err := identity.ParseInviteToken(tokenWire)
	if err != nil {
		return Outcome{Result: ResultInvalid, Reason: err.Error()}
	}

	self, err := e.Identity.Current()
	if err != nil {
		return Outcome{Result: ResultInvalid, Reason: err.Error()}
	}
	if token.Sub != hex.EncodeToString(self.SignPub) {
		return Outcome{Result: ResultRejected, Reason: "token not issued for you"}
	}

	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		return Outcome{Result: ResultOffline, Reason: err.Error()}
	}
	defer conn.Close()

	hs, outcome := initiatorHandshake(ctx, conn, self, e.Config.Timeouts.Handshake)
	if outcome.Result != ResultOK {
		return outcome
	}

	nonce, err := randomNonceHex()
	if err != nil {
		return Outcome{Result: ResultInvalid, Reason: err.Error()}
	}
	req := newFrame(hs.version, hex.EncodeToString(self.SignPub), nonce, ClaimPayload{
		Token:      tokenWire,
		EncryptPub: hex.EncodeToString(self.EncryptPub[:]),
	})

	reply, err := roundTrip(ctx, conn, req, self.SignPriv, e.Config.Timeouts.Request)
	if err != nil {
		return Outcome{Result: ResultOffline, Reason: err.Error()}
	}
	if reply.Type != FrameAck {
		return replyToOutcome(reply)
	}

	ack, _ := reply.Payload.(AckPayload)
	if _, err := e.Trust.GrantAccess(token.IssPub, ack.EncryptPub, "", "self", token.Sessions, token.Caps, nil); err != nil {
		return Outcome{Result: ResultInvalid, Reason: fmt.Sprintf("claim succeeded but local trust update failed: %v", err)}
	}
	return Outcome{Result: ResultOK}
}

// SendKeyRotation delivers a key-rotation announcement to one known peer.
// The whole connection, including the hello/hello-ack handshake, is
// conducted under oldIdentity: the outer frame envelope is signed by the
// OLD signing key, since that is still the key the responder has on
// file, and the responder's pipeline bypasses signature verification for
// this frame type for exactly that reason. Callers broadcast by calling
// this once per known peer address.
func (e *Engine) SendKeyRotation(ctx context.Context, dialer transport.Dialer, addr string, oldIdentity *identity.Identity, kr *identity.KeyRotation) Outcome {
	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		return Outcome{Result: ResultOffline, Reason: err.Error()}
	}
	defer conn.Close()

	hs, outcome := initiatorHandshake(ctx, conn, oldIdentity, e.Config.Timeouts.Handshake)
	if outcome.Result != ResultOK {
		return outcome
	}

	nonce, err := randomNonceHex()
	if err != nil {
		return Outcome{Result: ResultInvalid, Reason: err.Error()}
	}
	req := newFrame(hs.version, hex.EncodeToString(oldIdentity.SignPub), nonce, KeyRotationPayload{KeyRotation: kr})

	reply, err := roundTrip(ctx, conn, req, oldIdentity.SignPriv, e.Config.Timeouts.Request)
	if err != nil {
		return Outcome{Result: ResultOffline, Reason: err.Error()}
	}
	return replyToOutcome(reply)
}

// roundTrip sends req (signing it with priv) and waits for exactly one
// reply frame, per the 1:1 request/response coupling.
func roundTrip(ctx context.Context, conn transport.Conn, req *Frame, priv ed25519.PrivateKey, timeout time.Duration) (*Frame, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := signAndSend(rctx, conn, req, priv); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	reply, err := readNextFrame(rctx, conn)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// hasSessionLocal mirrors trust.hasSession for the unexported sessions
// slice an initiator holds on a cached Peer record.
func hasSessionLocal(sessions []string, name string) bool {
	for _, s := range sessions {
		if s == trust.AnySession || s == name {
			return true
		}
	}
	return false
}

// handshakeOutcomeLabel maps a terminal handshake Outcome to a metrics
// label.
func handshakeOutcomeLabel(r Result) string {
	switch r {
	case ResultVersionMismatch:
		return "version_mismatch"
	case ResultOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// replyToOutcome maps the responder's ack/reject frame to a typed Outcome.
func replyToOutcome(reply *Frame) Outcome {
	switch reply.Type {
	case FrameAck:
		return Outcome{Result: ResultOK}
	case FrameReject:
		rp, _ := reply.Payload.(RejectPayload)
		if rp.Reason == "rate limited" {
			return Outcome{Result: ResultRateLimited, Reason: rp.Reason}
		}
		return Outcome{Result: ResultRejected, Reason: rp.Reason}
	default:
		return Outcome{Result: ResultInvalid, Reason: "unexpected reply frame type"}
	}
}

// publicFromEphemeralPriv derives the public half of an ephemeral X25519
// key pair generated earlier in the same connection, so the inject frame
// can carry it without the handshake code needing to return it again.
func publicFromEphemeralPriv(priv [32]byte) ([32]byte, error) {
	return crypto.PublicFromPrivate(priv)
}
