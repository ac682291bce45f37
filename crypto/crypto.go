// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package crypto provides the primitive operations every node identity
// relies on: Ed25519 signing, X25519 key agreement (both the static v1
// fallback and the ephemeral-ECDH v2 scheme), AEAD sealing, and the
// canonical encoding used to produce the bytes that get signed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

// HKDF info strings bind derived keys to the scheme version that produced
// them so a v1 static-ECDH key can never be confused with a v2 ephemeral one.
const (
	hkdfInfoEphemeral = "wopr-p2p-v2"
	hkdfInfoStatic    = "wopr-p2p-v1"
)

var (
	// ErrInvalidSignature is returned when a signature fails verification.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	// ErrInvalidKey is returned when a key fails structural validation
	// (wrong length, non-canonical encoding, low-order/identity point).
	ErrInvalidKey = errors.New("crypto: invalid key")
	// ErrCiphertextTooShort is returned when a sealed envelope is too
	// short to contain the fields its format requires.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// GenerateSigningKeyPair creates a new Ed25519 signing identity.
func GenerateSigningKeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// ValidateSigningKey defensively checks that pub decodes to a valid,
// non-identity point on the Edwards curve before it is trusted as a peer's
// `from` or an invite token's `iss`/`sub`. ed25519.Verify alone will simply
// fail on a garbage key; this catches malformed keys earlier, with a
// dedicated error, before they are persisted into the trust store.
func ValidateSigningKey(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// GenerateEncryptionKeyPair creates a new X25519 encryption identity.
func GenerateEncryptionKeyPair() (pub, priv [32]byte, err error) {
	privKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return pub, priv, fmt.Errorf("generate x25519 key: %w", err)
	}
	copy(priv[:], privKey.Bytes())
	copy(pub[:], privKey.PublicKey().Bytes())
	return pub, priv, nil
}

// GenerateEphemeral creates a fresh, connection-scoped X25519 key pair used
// once per handshake to provide forward secrecy for the v2 wire scheme.
func GenerateEphemeral() (pub, priv [32]byte, err error) {
	return GenerateEncryptionKeyPair()
}

// deriveSharedKey runs X25519 ECDH between priv and peerPub, rejects the
// identity/low-order result, and stretches the raw DH output into a 32-byte
// AES key with HKDF-SHA256 bound to salt and the scheme's info string, so a
// key derived under v1 can never equal one derived under v2 even given the
// same underlying DH secret. salt must be identical on both sides of the
// exchange — callers pass a symmetric combination of the two public keys
// (see ephemeralAAD) rather than an arbitrary self/peer ordering, since
// either side may be the one calling this with its own priv key.
func deriveSharedKey(priv, peerPub [32]byte, salt []byte, info string) ([]byte, error) {
	privKey, err := ecdh.X25519().NewPrivateKey(priv[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pubKey, err := ecdh.X25519().NewPublicKey(peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	raw, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(raw, zero[:]) == 1 {
		return nil, fmt.Errorf("%w: low-order or identity point", ErrInvalidKey)
	}

	h := hkdf.New(sha256.New, raw, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

func seal(key, plaintext, aad []byte) (blob string, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	// Seal appends the tag after the ciphertext, so the blob laid out here
	// is nonce || ct || tag; open splits it the same way.
	sealed := aead.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(key []byte, blob string, aad []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decode blob: %v", ErrCiphertextTooShort, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, aad)
}

// ephemeralAAD returns a byte-order-independent binding of the two
// ephemeral public keys involved in an ECDH exchange: both the sealer and
// the opener compute it identically regardless of which one is "self" and
// which is "peer", since each only ever learns the other's public key.
func ephemeralAAD(a, b [32]byte) []byte {
	if bytesCompare(a[:], b[:]) <= 0 {
		return append(append([]byte{}, a[:]...), b[:]...)
	}
	return append(append([]byte{}, b[:]...), a[:]...)
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// PublicFromPrivate derives the X25519 public key matching priv. Exported
// so callers that generated an ephemeral key pair earlier in a connection
// (and kept only the private half in scope) can recover the public half
// to place on the wire without regenerating the pair.
func PublicFromPrivate(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	privKey, err := ecdh.X25519().NewPrivateKey(priv[:])
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], privKey.PublicKey().Bytes())
	return pub, nil
}

// EncryptWithEphemeral seals plaintext between this connection's own
// ephemeral key pair (myEphPriv, generated once per the
// generateEphemeral() during the handshake) and the peer's ephemeral
// public key received during the same handshake: shared =
// ECDH(myEphPriv, peerEphPub), key = HKDF-SHA256(shared,
// info="wopr-p2p-v2"). The returned blob is nonce||ct||tag, base64.
func EncryptWithEphemeral(myEphPriv, peerEphPub [32]byte, plaintext []byte) (blob string, err error) {
	myEphPub, err := PublicFromPrivate(myEphPriv)
	if err != nil {
		return "", err
	}
	aad := ephemeralAAD(myEphPub, peerEphPub)
	key, err := deriveSharedKey(myEphPriv, peerEphPub, aad, hkdfInfoEphemeral)
	if err != nil {
		return "", err
	}
	return seal(key, plaintext, aad)
}

// DecryptWithEphemeral reverses EncryptWithEphemeral from the other side of
// the same connection: myEphPriv is this node's own handshake ephemeral
// key, peerEphPub is the sender's. ECDH is commutative, so the derived key
// and AAD are identical to the sealing side's without either party
// learning the other's private key.
func DecryptWithEphemeral(myEphPriv, peerEphPub [32]byte, blob string) ([]byte, error) {
	myEphPub, err := PublicFromPrivate(myEphPriv)
	if err != nil {
		return nil, err
	}
	aad := ephemeralAAD(myEphPub, peerEphPub)
	key, err := deriveSharedKey(myEphPriv, peerEphPub, aad, hkdfInfoEphemeral)
	if err != nil {
		return nil, err
	}
	return open(key, blob, aad)
}

// EncryptStatic seals plaintext using static-static X25519 ECDH between
// selfPriv and peerPub (the v1 wire scheme, kept for peers that have not
// negotiated v2). It offers no forward secrecy: compromise of either
// long-lived key recovers every message ever sealed between the two peers.
func EncryptStatic(selfPub, selfPriv, peerPub [32]byte, plaintext []byte) (blob string, err error) {
	aad := ephemeralAAD(selfPub, peerPub)
	key, err := deriveSharedKey(selfPriv, peerPub, aad, hkdfInfoStatic)
	if err != nil {
		return "", err
	}
	return seal(key, plaintext, aad)
}

// DecryptStatic reverses EncryptStatic.
func DecryptStatic(selfPub, selfPriv, peerPub [32]byte, blob string) ([]byte, error) {
	aad := ephemeralAAD(selfPub, peerPub)
	key, err := deriveSharedKey(selfPriv, peerPub, aad, hkdfInfoStatic)
	if err != nil {
		return nil, err
	}
	return open(key, blob, aad)
}

// ShortID returns the first 8 hex characters of SHA-256(signPub): a
// human-displayable, collision-resistant-enough tag for logs and CLI output.
func ShortID(signPub []byte) string {
	sum := sha256.Sum256(signPub)
	return hex.EncodeToString(sum[:4])
}

// TopicOf returns the full hex-encoded SHA-256 of signPub, used as the
// rendezvous topic identifier for a node's inbox.
func TopicOf(signPub []byte) string {
	sum := sha256.Sum256(signPub)
	return hex.EncodeToString(sum[:])
}

// Canonicalize produces the deterministic JSON byte sequence that is signed
// and verified for every frame and invite token: object keys sorted
// lexicographically at every nesting level, no insignificant whitespace,
// and (per the caller's responsibility) the `sig` field already stripped
// from v before this is called.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal: %w", err)
	}
	var buf []byte
	buf, err = appendCanonical(buf, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool, float64, string:
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, enc...), nil
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyEnc...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}
