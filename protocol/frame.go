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

// Package protocol implements the wire handshake, request dispatch, and
// send paths that sit between an opaque line transport and the identity,
// trust, rate-limit, and replay layers.
package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wopr-project/wopr-core/crypto"
	"github.com/wopr-project/wopr-core/identity"
)

// ErrMalformed is returned when a received line fails to parse into a
// known, structurally complete frame. Callers treat this the same as a bad
// signature: charge invalidMessages and drop silently.
var ErrMalformed = errors.New("protocol: malformed frame")

// ErrBadSignature is returned when a frame's sig does not verify under its
// claimed signer.
var ErrBadSignature = errors.New("protocol: signature verification failed")

// FrameType names one of the seven concrete frame shapes the wire protocol
// defines. There is no eighth shape: every Frame's Payload is one of the
// types below, never a general bag of optional fields.
type FrameType string

const (
	FrameHello       FrameType = "hello"
	FrameHelloAck    FrameType = "hello-ack"
	FrameClaim       FrameType = "claim"
	FrameInject      FrameType = "inject"
	FrameKeyRotation FrameType = "key-rotation"
	FrameAck         FrameType = "ack"
	FrameReject      FrameType = "reject"
)

// Payload is implemented by each of the seven frame shapes. fields returns
// only the keys that shape defines, so the canonical signing encoding of a
// Frame reflects exactly what was sent, never an unrelated optional field
// left over from a different frame type.
type Payload interface {
	Type() FrameType
	fields() map[string]interface{}
}

// HelloPayload is the initiator's opening frame: the protocol versions it
// supports, and its per-connection ephemeral encryption key.
type HelloPayload struct {
	Versions     []int
	EphemeralPub string // hex X25519 public key
}

func (p HelloPayload) Type() FrameType { return FrameHello }
func (p HelloPayload) fields() map[string]interface{} {
	return map[string]interface{}{"versions": p.Versions, "ephemeralPub": p.EphemeralPub}
}

// HelloAckPayload is the responder's reply: the negotiated version and its
// own ephemeral key.
type HelloAckPayload struct {
	Version      int
	EphemeralPub string
}

func (p HelloAckPayload) Type() FrameType { return FrameHelloAck }
func (p HelloAckPayload) fields() map[string]interface{} {
	return map[string]interface{}{"version": p.Version, "ephemeralPub": p.EphemeralPub}
}

// ClaimPayload carries an encoded invite token plus the claimant's static
// encryption key, to be granted access under on success.
type ClaimPayload struct {
	Token      string
	EncryptPub string
}

func (p ClaimPayload) Type() FrameType { return FrameClaim }
func (p ClaimPayload) fields() map[string]interface{} {
	return map[string]interface{}{"token": p.Token, "encryptPub": p.EncryptPub}
}

// InjectPayload carries a payload encrypted for the recipient's session.
// EphemeralPub is set when the payload is sealed under the v2 ephemeral
// scheme and repeats the sender's handshake ephemeral key; EncryptPub is
// set when it is sealed under the v1 static scheme and carries the
// sender's static encryption key.
type InjectPayload struct {
	Session      string
	PayloadB64   string
	EncryptPub   string
	EphemeralPub string
}

func (p InjectPayload) Type() FrameType { return FrameInject }
func (p InjectPayload) fields() map[string]interface{} {
	m := map[string]interface{}{"session": p.Session, "payload": p.PayloadB64}
	if p.EncryptPub != "" {
		m["encryptPub"] = p.EncryptPub
	}
	if p.EphemeralPub != "" {
		m["ephemeralPub"] = p.EphemeralPub
	}
	return m
}

// KeyRotationPayload carries a peer's self-issued rotation announcement.
type KeyRotationPayload struct {
	KeyRotation *identity.KeyRotation
}

func (p KeyRotationPayload) Type() FrameType { return FrameKeyRotation }
func (p KeyRotationPayload) fields() map[string]interface{} {
	return map[string]interface{}{"keyRotation": p.KeyRotation}
}

// AckPayload is a generic success reply; Session/EncryptPub are populated
// only when the request they answer calls for them (inject, claim).
type AckPayload struct {
	Session    string
	EncryptPub string
}

func (p AckPayload) Type() FrameType { return FrameAck }
func (p AckPayload) fields() map[string]interface{} {
	m := map[string]interface{}{}
	if p.Session != "" {
		m["session"] = p.Session
	}
	if p.EncryptPub != "" {
		m["encryptPub"] = p.EncryptPub
	}
	return m
}

// RejectPayload is a generic failure reply with a human-readable reason.
type RejectPayload struct {
	Reason  string
	Session string
}

func (p RejectPayload) Type() FrameType { return FrameReject }
func (p RejectPayload) fields() map[string]interface{} {
	m := map[string]interface{}{"reason": p.Reason}
	if p.Session != "" {
		m["session"] = p.Session
	}
	return m
}

// Frame is one signed protocol message: a common envelope (version,
// sender, nonce, timestamp, signature) plus a typed Payload.
type Frame struct {
	V       int
	Type    FrameType
	From    string // hex signPub of the sender
	Nonce   string // hex, 16 random bytes
	Ts      int64  // ms since epoch
	Sig     string // base64 RawURLEncoding
	Payload Payload
}

// wireFrame is the flat on-the-wire shape every concrete Payload's fields
// are merged into or parsed out of. It exists purely as a decoding
// convenience; every other part of the engine only ever sees Frame.Payload
// as one of the seven concrete types, never this wide struct.
type wireFrame struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	From  string `json:"from"`
	Nonce string `json:"nonce"`
	Ts    int64  `json:"ts"`
	Sig   string `json:"sig,omitempty"`

	Versions     []int  `json:"versions,omitempty"`
	Version      *int   `json:"version,omitempty"`
	EphemeralPub string `json:"ephemeralPub,omitempty"`

	Token      string `json:"token,omitempty"`
	EncryptPub string `json:"encryptPub,omitempty"`

	Session string `json:"session,omitempty"`
	Payload string `json:"payload,omitempty"`

	KeyRotation *identity.KeyRotation `json:"keyRotation,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// ParseFrame decodes one wire line into a Frame, validating that the
// type-specific required fields from spec's frame table are present.
// Any failure is ErrMalformed, to be treated identically by callers:
// charge invalidMessages and drop without a reply.
func ParseFrame(line []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.From == "" || w.Nonce == "" {
		return nil, fmt.Errorf("%w: missing from/nonce", ErrMalformed)
	}

	f := &Frame{V: w.V, Type: FrameType(w.Type), From: w.From, Nonce: w.Nonce, Ts: w.Ts, Sig: w.Sig}

	switch f.Type {
	case FrameHello:
		if len(w.Versions) == 0 || w.EphemeralPub == "" {
			return nil, fmt.Errorf("%w: hello missing versions/ephemeralPub", ErrMalformed)
		}
		f.Payload = HelloPayload{Versions: w.Versions, EphemeralPub: w.EphemeralPub}
	case FrameHelloAck:
		if w.Version == nil || w.EphemeralPub == "" {
			return nil, fmt.Errorf("%w: hello-ack missing version/ephemeralPub", ErrMalformed)
		}
		f.Payload = HelloAckPayload{Version: *w.Version, EphemeralPub: w.EphemeralPub}
	case FrameClaim:
		if w.Token == "" || w.EncryptPub == "" {
			return nil, fmt.Errorf("%w: claim missing token/encryptPub", ErrMalformed)
		}
		f.Payload = ClaimPayload{Token: w.Token, EncryptPub: w.EncryptPub}
	case FrameInject:
		if w.Session == "" || w.Payload == "" {
			return nil, fmt.Errorf("%w: inject missing session/payload", ErrMalformed)
		}
		f.Payload = InjectPayload{
			Session: w.Session, PayloadB64: w.Payload,
			EncryptPub: w.EncryptPub, EphemeralPub: w.EphemeralPub,
		}
	case FrameKeyRotation:
		if w.KeyRotation == nil {
			return nil, fmt.Errorf("%w: key-rotation missing keyRotation", ErrMalformed)
		}
		f.Payload = KeyRotationPayload{KeyRotation: w.KeyRotation}
	case FrameAck:
		f.Payload = AckPayload{Session: w.Session, EncryptPub: w.EncryptPub}
	case FrameReject:
		if w.Reason == "" {
			return nil, fmt.Errorf("%w: reject missing reason", ErrMalformed)
		}
		f.Payload = RejectPayload{Reason: w.Reason, Session: w.Session}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformed, w.Type)
	}
	return f, nil
}

// canonicalFields builds the map that is both the signing input (with sig
// omitted) and the wire body (with sig included), so the two can never
// diverge by field.
func (f *Frame) canonicalFields(includeSig bool) map[string]interface{} {
	m := map[string]interface{}{
		"v": f.V, "type": string(f.Type), "from": f.From, "nonce": f.Nonce, "ts": f.Ts,
	}
	for k, v := range f.Payload.fields() {
		m[k] = v
	}
	if includeSig && f.Sig != "" {
		m["sig"] = f.Sig
	}
	return m
}

// signingBytes returns the canonical encoding a signature is computed
// over: every envelope and payload field, sig always omitted.
func (f *Frame) signingBytes() ([]byte, error) {
	return crypto.Canonicalize(f.canonicalFields(false))
}

// Encode returns the canonical wire line for f, sig included. It does not
// itself append a trailing newline; transport.Conn.WriteLine frames the
// line for its carrier.
func (f *Frame) Encode() ([]byte, error) {
	return crypto.Canonicalize(f.canonicalFields(true))
}

// Sign computes f's signature over signingBytes and sets f.Sig.
func (f *Frame) Sign(priv ed25519.PrivateKey) error {
	canon, err := f.signingBytes()
	if err != nil {
		return fmt.Errorf("canonicalize frame: %w", err)
	}
	f.Sig = base64.RawURLEncoding.EncodeToString(crypto.Sign(priv, canon))
	return nil
}

// Verify checks f.Sig against the signer identified by f.From (hex
// signPub), returning ErrBadSignature on any mismatch or malformed key.
func (f *Frame) Verify() error {
	pub, err := hex.DecodeString(f.From)
	if err != nil {
		return fmt.Errorf("%w: decode from: %v", ErrBadSignature, err)
	}
	if err := crypto.ValidateSigningKey(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(f.Sig)
	if err != nil {
		return fmt.Errorf("%w: decode sig: %v", ErrBadSignature, err)
	}
	canon, err := f.signingBytes()
	if err != nil {
		return fmt.Errorf("canonicalize frame: %w", err)
	}
	if err := crypto.Verify(pub, canon, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Timestamp converts Ts (ms since epoch) to a time.Time for replay checks.
func (f *Frame) Timestamp() time.Time {
	return time.UnixMilli(f.Ts)
}

// newFrame builds an unsigned Frame carrying payload from sender from with
// the given nonce, stamping Ts with the current time; callers must call
// Sign before Encode.
func newFrame(v int, from string, nonce string, payload Payload) *Frame {
	return &Frame{
		V: v, Type: payload.Type(), From: from, Nonce: nonce,
		Ts: time.Now().UnixMilli(), Payload: payload,
	}
}
