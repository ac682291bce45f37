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

// Package identity owns a node's own signing and encryption key material,
// its rotation history, and the invite tokens it mints for new peers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wopr-project/wopr-core/crypto"
	"github.com/wopr-project/wopr-core/internal/logger"
)

var (
	// ErrNoIdentity is returned when an operation requires an initialized
	// identity and none has been loaded or created yet.
	ErrNoIdentity = errors.New("identity: no identity loaded")
	// ErrAlreadyInitialized is returned by InitIdentity when an identity
	// file already exists and force is false.
	ErrAlreadyInitialized = errors.New("identity: already initialized")
	// ErrInvalidInviteToken is returned when a serialized invite token
	// fails to parse, decode, or verify.
	ErrInvalidInviteToken = errors.New("identity: invalid invite token")
	// ErrInviteExpired is returned by ParseInviteToken when the token's
	// expiry has passed.
	ErrInviteExpired = errors.New("identity: invite token expired")
)

// RotationDefaults holds the grace-period tuning used when a node rotates
// its own keys; a future config loader would populate this from a file.
type RotationDefaults struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultRotationDefaults sets the grace window a rotated key keeps so
// existing peers' cached public keys remain valid while the rotation
// announcement propagates.
func DefaultRotationDefaults() RotationDefaults {
	return RotationDefaults{GracePeriod: 7 * 24 * time.Hour}
}

// Identity is a node's full key material: an Ed25519 signing pair and an
// X25519 encryption pair, plus enough provenance to explain a rotation to
// a peer that only ever saw the previous key.
type Identity struct {
	SignPub      ed25519.PublicKey  `json:"signPub"`
	SignPriv     ed25519.PrivateKey `json:"signPriv"`
	EncryptPub   [32]byte           `json:"encryptPub"`
	EncryptPriv  [32]byte           `json:"encryptPriv"`
	CreatedAt    time.Time          `json:"createdAt"`
	RotatedFrom  string             `json:"rotatedFrom,omitempty"` // ShortID of the previous signing key, if any
	RotatedAt    *time.Time         `json:"rotatedAt,omitempty"`
}

// identityFile is the on-disk JSON shape; byte slices are persisted as hex
// so identity.json stays readable and diffable rather than base64-binary.
type identityFile struct {
	SignPub     string     `json:"signPub"`
	SignPriv    string     `json:"signPriv"`
	EncryptPub  string     `json:"encryptPub"`
	EncryptPriv string     `json:"encryptPriv"`
	CreatedAt   time.Time  `json:"createdAt"`
	RotatedFrom string     `json:"rotatedFrom,omitempty"`
	RotatedAt   *time.Time `json:"rotatedAt,omitempty"`
}

func (id *Identity) toFile() identityFile {
	return identityFile{
		SignPub:     hex.EncodeToString(id.SignPub),
		SignPriv:    hex.EncodeToString(id.SignPriv),
		EncryptPub:  hex.EncodeToString(id.EncryptPub[:]),
		EncryptPriv: hex.EncodeToString(id.EncryptPriv[:]),
		CreatedAt:   id.CreatedAt,
		RotatedFrom: id.RotatedFrom,
		RotatedAt:   id.RotatedAt,
	}
}

func (f identityFile) toIdentity() (*Identity, error) {
	signPub, err := hex.DecodeString(f.SignPub)
	if err != nil {
		return nil, fmt.Errorf("decode signPub: %w", err)
	}
	signPriv, err := hex.DecodeString(f.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("decode signPriv: %w", err)
	}
	encPub, err := hex.DecodeString(f.EncryptPub)
	if err != nil {
		return nil, fmt.Errorf("decode encryptPub: %w", err)
	}
	encPriv, err := hex.DecodeString(f.EncryptPriv)
	if err != nil {
		return nil, fmt.Errorf("decode encryptPriv: %w", err)
	}
	id := &Identity{
		SignPub:     ed25519.PublicKey(signPub),
		SignPriv:    ed25519.PrivateKey(signPriv),
		CreatedAt:   f.CreatedAt,
		RotatedFrom: f.RotatedFrom,
		RotatedAt:   f.RotatedAt,
	}
	copy(id.EncryptPub[:], encPub)
	copy(id.EncryptPriv[:], encPriv)
	return id, nil
}

// ShortID returns the display id derived from this identity's signing key.
func (id *Identity) ShortID() string {
	return crypto.ShortID(id.SignPub)
}

// Store owns the atomic, owner-only-permission persistence of identity.json
// for a single node. Only one Store should hold a given path at a time;
// concurrent access within a process is guarded by mu.
type Store struct {
	path string
	mu   sync.RWMutex
	id   *Identity
}

// NewStore opens (without loading) the identity store rooted at path, the
// full path to identity.json.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads identity.json from disk into memory. Callers that only need
// InitIdentity need not call this first; InitIdentity only checks whether
// the file exists and never reads it.
func (s *Store) Load() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	s.id = id
	return id, nil
}

func (s *Store) loadLocked() (*Identity, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var f identityFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return f.toIdentity()
}

// Current returns the identity already loaded into memory, if any.
func (s *Store) Current() (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.id == nil {
		return nil, ErrNoIdentity
	}
	return s.id, nil
}

// InitIdentity creates a brand-new Identity and persists it. If an identity
// already exists at the store's path, it returns ErrAlreadyInitialized
// unless force is true, in which case the existing file is overwritten.
func (s *Store) InitIdentity(force bool) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		if _, err := os.Stat(s.path); err == nil {
			return nil, ErrAlreadyInitialized
		}
	}

	signPub, signPriv, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	encPub, encPriv, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}

	id := &Identity{
		SignPub:     signPub,
		SignPriv:    signPriv,
		EncryptPub:  encPub,
		EncryptPriv: encPriv,
		CreatedAt:   time.Now(),
	}

	if err := s.persistLocked(id); err != nil {
		return nil, err
	}
	s.id = id
	logger.Info("identity initialized", logger.String("id", id.ShortID()))
	return id, nil
}

// RotateIdentity generates a fresh signing+encryption key pair using the
// default grace period (see DefaultRotationDefaults) and no stated reason.
// Use RotateIdentityWithOptions to declare a custom grace window or reason
// on the announcement.
func (s *Store) RotateIdentity() (*Identity, *KeyRotation, error) {
	return s.RotateIdentityWithOptions(DefaultRotationDefaults().GracePeriod, "")
}

// RotateIdentityWithOptions generates a fresh signing+encryption key pair,
// records the outgoing signing key's short id as RotatedFrom, persists the
// result, and returns a KeyRotation announcement signed by the OUTGOING
// key, ready to broadcast to every known peer so they can verify
// continuity before adopting the new key (see
// trust.Store.ProcessPeerKeyRotation for the receiving side of this same
// announcement type). gracePeriod and reason are embedded in the signed
// announcement, so every receiving peer honors this node's own declared
// grace window instead of substituting a locally configured one.
func (s *Store) RotateIdentityWithOptions(gracePeriod time.Duration, reason string) (*Identity, *KeyRotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == nil {
		return nil, nil, ErrNoIdentity
	}
	prev := s.id
	signPub, signPriv, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	encPub, encPriv, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate encryption key: %w", err)
	}
	now := time.Now()
	next := &Identity{
		SignPub:     signPub,
		SignPriv:    signPriv,
		EncryptPub:  encPub,
		EncryptPriv: encPriv,
		CreatedAt:   now,
		RotatedFrom: prev.ShortID(),
		RotatedAt:   &now,
	}
	if err := s.persistLocked(next); err != nil {
		return nil, nil, err
	}
	announcement, err := MintKeyRotationAnnouncement(prev, next, gracePeriod, reason)
	if err != nil {
		return nil, nil, fmt.Errorf("mint rotation announcement: %w", err)
	}
	s.id = next
	logger.Info("identity rotated",
		logger.String("from", prev.ShortID()),
		logger.String("to", next.ShortID()))
	return next, announcement, nil
}

// persistLocked writes identity.json atomically: it serializes to a
// temp file in the same directory, fsyncs it, then renames it over the
// final path so a crash mid-write can never leave identity.json truncated
// or half-written. Identity material needs this atomicity guarantee
// because a corrupted identity.json is unrecoverable (there is no
// blockchain or registry to re-resolve it from), so persistLocked adds
// the write-then-rename step on top of the usual 0600/0700 permission
// convention for key material on disk.
func (s *Store) persistLocked(id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(id.toFile(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return AtomicWriteFile(s.path, data, 0600)
}

// AtomicWriteFile writes data to a temp file beside path and renames it
// into place, so readers never observe a partially written file. Exported
// so other file-backed stores in this module (trust.Store) share the same
// atomicity guarantee instead of reimplementing it.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// InviteToken is the signed, self-contained credential a node mints so a
// named peer can claim access. It is non-transferable by construction: Sub
// pins the token to one recipient signing key, and the claim-side protocol
// step rejects any claimant whose key does not match it. Wire-encoded as
// base64url of the canonical JSON of every field, sig included.
type InviteToken struct {
	Iss       string    `json:"iss"` // ShortID of the issuer's signing key
	IssPub    string    `json:"issPub"`
	IssEncPub string    `json:"issEncPub"`
	Sub       string    `json:"sub"` // hex signPub of the sole intended claimant
	Sessions  []string  `json:"ses"`
	Caps      []string  `json:"cap"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Sig       string    `json:"sig,omitempty"`
}

func (t InviteToken) signingView() InviteToken {
	t.Sig = ""
	return t
}

// CreateInviteToken mints and signs a new invite token naming
// subjectSignPubHex as its sole intended claimant, authorizing sessions
// under caps (normally just {"inject"}), valid for ttl from now.
func (id *Identity) CreateInviteToken(subjectSignPubHex string, sessions, caps []string, ttl time.Duration) (*InviteToken, error) {
	if subjectSignPubHex == "" {
		return nil, fmt.Errorf("%w: subject signPub is required", ErrInvalidInviteToken)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	tok := InviteToken{
		Iss:       id.ShortID(),
		IssPub:    hex.EncodeToString(id.SignPub),
		IssEncPub: hex.EncodeToString(id.EncryptPub[:]),
		Sub:       subjectSignPubHex,
		Sessions:  sessions,
		Caps:      caps,
		Nonce:     hex.EncodeToString(nonce),
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	canon, err := crypto.Canonicalize(tok.signingView())
	if err != nil {
		return nil, fmt.Errorf("canonicalize invite: %w", err)
	}
	tok.Sig = base64.RawURLEncoding.EncodeToString(crypto.Sign(id.SignPriv, canon))
	return &tok, nil
}

// Encode serializes an InviteToken to its wire form: base64(canonical JSON).
// The signature travels inside the JSON as the `sig` field, matching the
// canonical-round-trip property every signed structure in this module uses.
func (t *InviteToken) Encode() (string, error) {
	raw, err := crypto.Canonicalize(t)
	if err != nil {
		return "", fmt.Errorf("marshal invite: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseInviteToken decodes and verifies a wire-encoded invite token,
// rejecting it if its signature is invalid, its issuer key is malformed, or
// it has expired.
func ParseInviteToken(wire string) (*InviteToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidInviteToken, err)
	}
	var tok InviteToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrInvalidInviteToken, err)
	}
	issPub, err := hex.DecodeString(tok.IssPub)
	if err != nil {
		return nil, fmt.Errorf("%w: issPub: %v", ErrInvalidInviteToken, err)
	}
	if err := crypto.ValidateSigningKey(issPub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInviteToken, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(tok.Sig)
	if err != nil {
		return nil, fmt.Errorf("%w: sig: %v", ErrInvalidInviteToken, err)
	}
	canon, err := crypto.Canonicalize(tok.signingView())
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize: %v", ErrInvalidInviteToken, err)
	}
	if err := crypto.Verify(issPub, canon, sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInviteToken, err)
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, ErrInviteExpired
	}
	return &tok, nil
}
