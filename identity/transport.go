// SPDX-License-Identifier: LGPL-3.0-or-later

package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
)

// hpkeInfo binds sealed invite envelopes to this module so they can never
// be confused with an HPKE envelope produced by an unrelated protocol.
var hpkeInfo = []byte("wopr-invite-transport-v1")

func hpkeSuite() hpke.Suite {
	return hpke.NewSuite(
		hpke.KEM_X25519_HKDF_SHA256,
		hpke.KDF_HKDF_SHA256,
		hpke.AEAD_ChaCha20Poly1305,
	)
}

// SealInviteForTransport wraps an encoded invite token (the output of
// InviteToken.Encode) in an HPKE envelope addressed to recipientEncPub, so
// it can be carried over an out-of-band side channel (a file, a QR code, a
// pasted blob) without exposing the token's bytes to whatever is
// transporting it. The result is self-contained: enc || ciphertext.
func SealInviteForTransport(recipientEncPub [32]byte, encodedToken string) ([]byte, error) {
	suite := hpkeSuite()
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	rp, err := kem.UnmarshalBinaryPublicKey(recipientEncPub[:])
	if err != nil {
		return nil, fmt.Errorf("hpke unmarshal recipient key: %w", err)
	}
	sender, err := suite.NewSender(rp, hpkeInfo)
	if err != nil {
		return nil, fmt.Errorf("hpke new sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}
	ct, err := sealer.Seal([]byte(encodedToken), hpkeInfo)
	if err != nil {
		return nil, fmt.Errorf("hpke seal: %w", err)
	}
	return append(enc, ct...), nil
}

// OpenTransportEnvelope reverses SealInviteForTransport using the
// recipient's own encryption private key, returning the original
// base64-encoded invite token for ParseInviteToken to consume.
func OpenTransportEnvelope(recipientEncPriv [32]byte, envelope []byte) (string, error) {
	curve := ecdh.X25519()
	privKey, err := curve.NewPrivateKey(recipientEncPriv[:])
	if err != nil {
		return "", fmt.Errorf("invalid recipient private key: %w", err)
	}
	const kemEncLen = 32 // X25519 HPKE KEM encapsulated-key length
	if len(envelope) < kemEncLen {
		return "", fmt.Errorf("envelope too short")
	}
	enc := envelope[:kemEncLen]
	ct := envelope[kemEncLen:]

	suite := hpkeSuite()
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	skR, err := kem.UnmarshalBinaryPrivateKey(privKey.Bytes())
	if err != nil {
		return "", fmt.Errorf("hpke unmarshal priv: %w", err)
	}
	receiver, err := suite.NewReceiver(skR, hpkeInfo)
	if err != nil {
		return "", fmt.Errorf("hpke new receiver: %w", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return "", fmt.Errorf("hpke receiver setup: %w", err)
	}
	pt, err := opener.Open(ct, hpkeInfo)
	if err != nil {
		return "", fmt.Errorf("hpke open: %w", err)
	}
	return string(pt), nil
}
