// SPDX-License-Identifier: LGPL-3.0-or-later

package protocol

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/wopr-project/wopr-core/transport"
)

// randomNonceHex generates the 16 random bytes, hex-encoded, carried in
// every frame's nonce field.
func randomNonceHex() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hexTo32 decodes a hex string into a fixed 32-byte array, as used for
// every X25519 public key carried on the wire.
func hexTo32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func toHex32(b [32]byte) string { return hex.EncodeToString(b[:]) }

// signAndSend finalizes f (signs it with priv, encodes it) and writes it
// to conn as a single line.
func signAndSend(ctx context.Context, conn transport.Conn, f *Frame, priv ed25519.PrivateKey) error {
	if err := f.Sign(priv); err != nil {
		return err
	}
	line, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.WriteLine(ctx, line)
}

// readNextFrame blocks for one line on conn and parses it into a Frame.
func readNextFrame(ctx context.Context, conn transport.Conn) (*Frame, error) {
	line, err := conn.ReadLine(ctx)
	if err != nil {
		return nil, err
	}
	return ParseFrame(line)
}
