// SPDX-License-Identifier: LGPL-3.0-or-later

package protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/wopr-project/wopr-core/crypto"
	"github.com/wopr-project/wopr-core/identity"
	"github.com/wopr-project/wopr-core/transport"
)

// supportedVersions lists every protocol version this build offers during
// a hello, in ascending order: [MIN_PROTOCOL_VERSION, PROTOCOL_VERSION].
func supportedVersions() []int {
	versions := make([]int, 0, ProtocolVersion-MinProtocolVersion+1)
	for v := MinProtocolVersion; v <= ProtocolVersion; v++ {
		versions = append(versions, v)
	}
	return versions
}

// buildHello constructs this node's opening frame and the fresh, unsigned
// ephemeral key pair generated for this connection alone.
func buildHello(self *identity.Identity) (*Frame, [32]byte, [32]byte, error) {
	ephPub, ephPriv, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, ephPub, ephPriv, fmt.Errorf("generate ephemeral: %w", err)
	}
	nonce, err := randomNonceHex()
	if err != nil {
		return nil, ephPub, ephPriv, err
	}
	f := newFrame(ProtocolVersion, hex.EncodeToString(self.SignPub), nonce, HelloPayload{
		Versions:     supportedVersions(),
		EphemeralPub: toHex32(ephPub),
	})
	return f, ephPub, ephPriv, nil
}

// buildHelloAck constructs the responder's reply once version has been
// negotiated, alongside the fresh ephemeral key pair it generates to pair
// with this connection.
func buildHelloAck(self *identity.Identity, version int) (*Frame, [32]byte, [32]byte, error) {
	ephPub, ephPriv, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, ephPub, ephPriv, fmt.Errorf("generate ephemeral: %w", err)
	}
	nonce, err := randomNonceHex()
	if err != nil {
		return nil, ephPub, ephPriv, err
	}
	f := newFrame(version, hex.EncodeToString(self.SignPub), nonce, HelloAckPayload{
		Version:      version,
		EphemeralPub: toHex32(ephPub),
	})
	return f, ephPub, ephPriv, nil
}

// buildVersionMismatchReject constructs the responder's reply when the
// initiator's offered versions share nothing with [MIN_PROTOCOL_VERSION,
// PROTOCOL_VERSION].
func buildVersionMismatchReject(self *identity.Identity) (*Frame, error) {
	nonce, err := randomNonceHex()
	if err != nil {
		return nil, err
	}
	return newFrame(ProtocolVersion, hex.EncodeToString(self.SignPub), nonce,
		RejectPayload{Reason: "no common protocol version"}), nil
}

// handshakeResult is what a successful initiator-side handshake yields:
// the negotiated version and the ephemeral key material needed to encrypt
// the single request that follows.
type handshakeResult struct {
	version    int
	myEphPriv  [32]byte
	peerEphPub [32]byte
}

// initiatorHandshake drives AWAIT_HELLO from the initiator's side: send
// hello, await hello-ack or reject, within timeout. A non-OK Outcome is
// terminal; the caller must not proceed to send a request frame.
func initiatorHandshake(ctx context.Context, conn transport.Conn, self *identity.Identity, timeout time.Duration) (*handshakeResult, Outcome) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hello, _, ephPriv, err := buildHello(self)
	if err != nil {
		return nil, Outcome{Result: ResultInvalid, Reason: err.Error()}
	}
	if err := signAndSend(hctx, conn, hello, self.SignPriv); err != nil {
		return nil, Outcome{Result: ResultOffline, Reason: err.Error()}
	}

	resp, err := readNextFrame(hctx, conn)
	if err != nil {
		return nil, Outcome{Result: ResultOffline, Reason: err.Error()}
	}

	switch resp.Type {
	case FrameReject:
		rp, _ := resp.Payload.(RejectPayload)
		return nil, Outcome{Result: ResultVersionMismatch, Reason: rp.Reason}
	case FrameHelloAck:
		ack, _ := resp.Payload.(HelloAckPayload)
		peerEphPub, err := hexTo32(ack.EphemeralPub)
		if err != nil {
			return nil, Outcome{Result: ResultInvalid, Reason: fmt.Sprintf("bad peer ephemeral key: %v", err)}
		}
		return &handshakeResult{version: ack.Version, myEphPriv: ephPriv, peerEphPub: peerEphPub}, Outcome{Result: ResultOK}
	default:
		return nil, Outcome{Result: ResultInvalid, Reason: "unexpected frame during handshake"}
	}
}
