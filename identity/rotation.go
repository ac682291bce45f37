// SPDX-License-Identifier: LGPL-3.0-or-later

package identity

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wopr-project/wopr-core/crypto"
)

// KeyRotation is the signed announcement a node sends to every known peer
// when it rotates its own keys: it proves continuity by being signed with
// the OLD signing key, so a responder who already trusts OldSignPub can
// verify the announcement before adopting NewSignPub/NewEncryptPub.
//
// EffectiveAt and GracePeriodMs are declared by the sender, not assumed by
// the receiver: ValidUntil (EffectiveAt + GracePeriodMs) is the instant the
// OLD key stops authorizing anything, and it travels inside the signed
// envelope so every receiving peer honors the same window the rotating
// node chose, rather than each receiver substituting its own local config.
type KeyRotation struct {
	OldSignPub    string    `json:"oldSignPub"`
	NewSignPub    string    `json:"newSignPub"`
	NewEncryptPub string    `json:"newEncryptPub"`
	Reason        string    `json:"reason,omitempty"`
	RotatedAt     time.Time `json:"rotatedAt"`
	EffectiveAt   time.Time `json:"effectiveAt"`
	GracePeriodMs int64     `json:"gracePeriodMs"`
	Sig           string    `json:"sig,omitempty"`
}

func (r KeyRotation) signingView() KeyRotation {
	r.Sig = ""
	return r
}

// ValidUntil is the instant OldSignPub stops authorizing anything: the
// sender-declared grace window measured from the sender-declared effective
// time, not from whenever a given receiver happens to process the frame.
func (r *KeyRotation) ValidUntil() time.Time {
	return r.EffectiveAt.Add(time.Duration(r.GracePeriodMs) * time.Millisecond)
}

// MintKeyRotationAnnouncement builds and signs a KeyRotation proving that
// prev (the identity before rotation) vouches for next (the identity
// after). gracePeriod and reason are the sender's own declaration of how
// long OldSignPub should keep authorizing traffic and why the rotation
// happened; both travel inside the signed envelope.
// Store.RotateIdentityWithOptions (and RotateIdentity through it) calls this
// with the identity it is replacing as prev.
func MintKeyRotationAnnouncement(prev, next *Identity, gracePeriod time.Duration, reason string) (*KeyRotation, error) {
	now := time.Now()
	kr := KeyRotation{
		OldSignPub:    hex.EncodeToString(prev.SignPub),
		NewSignPub:    hex.EncodeToString(next.SignPub),
		NewEncryptPub: hex.EncodeToString(next.EncryptPub[:]),
		Reason:        reason,
		RotatedAt:     now,
		EffectiveAt:   now,
		GracePeriodMs: gracePeriod.Milliseconds(),
	}
	canon, err := crypto.Canonicalize(kr.signingView())
	if err != nil {
		return nil, fmt.Errorf("canonicalize rotation: %w", err)
	}
	kr.Sig = base64.RawURLEncoding.EncodeToString(crypto.Sign(prev.SignPriv, canon))
	return &kr, nil
}

// VerifyKeyRotationAnnouncement checks the announcement's signature against
// its own embedded OldSignPub. It does NOT check that the caller actually
// trusts OldSignPub as a known peer — that lookup belongs to the trust
// store, which uses this function as one step of processPeerKeyRotation.
func VerifyKeyRotationAnnouncement(kr *KeyRotation) error {
	oldPub, err := hex.DecodeString(kr.OldSignPub)
	if err != nil {
		return fmt.Errorf("decode oldSignPub: %w", err)
	}
	if err := crypto.ValidateSigningKey(oldPub); err != nil {
		return fmt.Errorf("invalid oldSignPub: %w", err)
	}
	newPub, err := hex.DecodeString(kr.NewSignPub)
	if err != nil {
		return fmt.Errorf("decode newSignPub: %w", err)
	}
	if err := crypto.ValidateSigningKey(newPub); err != nil {
		return fmt.Errorf("invalid newSignPub: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(kr.Sig)
	if err != nil {
		return fmt.Errorf("decode sig: %w", err)
	}
	canon, err := crypto.Canonicalize(kr.signingView())
	if err != nil {
		return fmt.Errorf("canonicalize rotation: %w", err)
	}
	return crypto.Verify(oldPub, canon, sig)
}

// Encode serializes a KeyRotation to its wire form for transmission inside
// a protocol frame payload.
func (r *KeyRotation) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeKeyRotation parses a wire-encoded KeyRotation frame payload.
func DecodeKeyRotation(raw []byte) (*KeyRotation, error) {
	var kr KeyRotation
	if err := json.Unmarshal(raw, &kr); err != nil {
		return nil, fmt.Errorf("decode rotation: %w", err)
	}
	return &kr, nil
}
