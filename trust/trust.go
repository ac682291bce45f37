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

// Package trust is the authority a node consults to decide whether a peer
// may claim access or inject. It persists peers, access grants, invite
// bookkeeping, and the key-history index that lets a rotated peer key
// continue being recognized through its grace period.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wopr-project/wopr-core/identity"
	"github.com/wopr-project/wopr-core/internal/logger"
)

var (
	// ErrNotFound is returned when a lookup by key finds nothing.
	ErrNotFound = errors.New("trust: not found")
	// ErrInviteAlreadyClaimed is returned when an invite's nonce has
	// already been consumed by a prior claim.
	ErrInviteAlreadyClaimed = errors.New("trust: invite already claimed")
	// ErrRevoked is returned when an operation targets a revoked peer.
	ErrRevoked = errors.New("trust: peer revoked")
)

// AnySession is the wildcard session pattern: a grant or peer record
// carrying it authorizes injection into every session name.
const AnySession = "*"

// CapInject is the only capability string the protocol currently defines.
const CapInject = "inject"

// Peer is a node this store has exchanged trust with: who *we* are
// authorized to inject to, and under which sessions, from our side of a
// claim handshake.
type Peer struct {
	SignPub    string     `json:"signPub"` // hex
	EncryptPub string     `json:"encryptPub"`
	Label      string     `json:"label"`
	Sessions   []string   `json:"sessions"`
	Caps       []string   `json:"caps"`
	AddedAt    time.Time  `json:"addedAt"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// AccessGrant records what a peer is authorized to do against us, minted
// when we successfully process a claim of a token we issued.
type AccessGrant struct {
	ID         string     `json:"id"`
	PeerKey    string     `json:"peerKey"` // hex signPub of the grantee
	EncryptPub string     `json:"encryptPub"`
	Sessions   []string   `json:"sessions"`
	Caps       []string   `json:"caps"`
	GrantedBy  string     `json:"grantedBy"`
	GrantedAt  time.Time  `json:"grantedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// hasSession reports whether sessions authorizes sessionName, honoring the
// "*" wildcard pattern.
func hasSession(sessions []string, sessionName string) bool {
	for _, s := range sessions {
		if s == AnySession || s == sessionName {
			return true
		}
	}
	return false
}

// hasCap reports whether caps contains cap.
func hasCap(caps []string, cap string) bool {
	for _, c := range caps {
		if c == cap {
			return true
		}
	}
	return false
}

// unionStrings merges b into a without duplicating existing entries.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// InviteRecord tracks an invite token this node minted, so it can be
// claimed at most once and so expired/claimed invites can be pruned.
type InviteRecord struct {
	Nonce     string    `json:"nonce"`
	Sub       string    `json:"sub"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	ClaimedBy string    `json:"claimedBy,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
}

// KeyHistoryEntry indexes a peer's previous signing key to its current one
// so a message signed by the old key, arriving within the grace period,
// still resolves to the right (now-current) AccessGrant.
type KeyHistoryEntry struct {
	OldSignPub string    `json:"oldSignPub"`
	NewSignPub string    `json:"newSignPub"`
	RotatedAt  time.Time `json:"rotatedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// state is the full persisted shape, covering four logical record sets
// (peers, access grants, invites, plus the key-history index folded in
// alongside peers since it is peer-scoped).
type state struct {
	Peers       map[string]*Peer           `json:"peers"`       // keyed by signPub hex
	Grants      map[string]*AccessGrant    `json:"grants"`      // keyed by peerKey hex
	Invites     map[string]*InviteRecord   `json:"invites"`     // keyed by nonce hex
	KeyHistory  []KeyHistoryEntry          `json:"keyHistory"`
}

func newState() *state {
	return &state{
		Peers:   make(map[string]*Peer),
		Grants:  make(map[string]*AccessGrant),
		Invites: make(map[string]*InviteRecord),
	}
}

// Store is a file-backed implementation of the trust authority. One file
// (peers.json, access.json, invites.json conceptually; physically one
// combined trust.json, written atomically like identity.Store) per node.
type Store struct {
	path string
	mu   sync.RWMutex
	s    *state
}

// NewStore opens the trust store rooted at path (the full path to the
// trust state file). Call Load before first use; if the file does not
// exist yet, Load initializes an empty state.
func NewStore(path string) *Store {
	return &Store{path: path, s: newState()}
}

// Load reads the trust state file from disk, or initializes an empty one
// if it does not exist yet.
func (st *Store) Load() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		st.s = newState()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read trust state: %w", err)
	}
	s := newState()
	if err := json.Unmarshal(raw, s); err != nil {
		return fmt.Errorf("parse trust state: %w", err)
	}
	if s.Peers == nil {
		s.Peers = make(map[string]*Peer)
	}
	if s.Grants == nil {
		s.Grants = make(map[string]*AccessGrant)
	}
	if s.Invites == nil {
		s.Invites = make(map[string]*InviteRecord)
	}
	st.s = s
	return nil
}

func (st *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(st.path), 0700); err != nil {
		return fmt.Errorf("create trust directory: %w", err)
	}
	data, err := json.MarshalIndent(st.s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trust state: %w", err)
	}
	return identity.AtomicWriteFile(st.path, data, 0600)
}

// IsAuthorized reports whether signPub (hex) currently holds a valid,
// unexpired, non-revoked access grant covering "inject" on sessionName,
// resolving through key history if signPub is a recently-rotated-away key
// still inside its grace period.
func (st *Store) IsAuthorized(signPubHex, sessionName string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.isAuthorizedLocked(signPubHex, sessionName)
}

func (st *Store) isAuthorizedLocked(signPubHex, sessionName string) bool {
	key := st.resolveCurrentKeyLocked(signPubHex)
	peer, ok := st.s.Peers[key]
	if !ok || peer.Revoked {
		return false
	}
	grant, ok := st.s.Grants[key]
	if !ok {
		return false
	}
	if grant.ExpiresAt != nil && time.Now().After(*grant.ExpiresAt) {
		return false
	}
	if !hasCap(grant.Caps, CapInject) {
		return false
	}
	return hasSession(grant.Sessions, sessionName)
}

// resolveCurrentKeyLocked walks KeyHistory to translate an old, still
// within-grace-period signing key to the peer's current one. If signPubHex
// is not found in history, it is returned unchanged (it is already current
// or unknown).
func (st *Store) resolveCurrentKeyLocked(signPubHex string) string {
	now := time.Now()
	key := signPubHex
	// A key may have rotated more than once; follow the chain forward,
	// bounded by len(KeyHistory) to guard against a malformed cycle.
	for i := 0; i < len(st.s.KeyHistory); i++ {
		advanced := false
		for _, entry := range st.s.KeyHistory {
			if entry.OldSignPub == key && now.Before(entry.ExpiresAt) {
				key = entry.NewSignPub
				advanced = true
				break
			}
		}
		if !advanced {
			break
		}
	}
	return key
}

// GetGrantForPeer returns the AccessGrant currently in force for signPubHex,
// resolving through key history.
func (st *Store) GetGrantForPeer(signPubHex string) (*AccessGrant, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	key := st.resolveCurrentKeyLocked(signPubHex)
	grant, ok := st.s.Grants[key]
	if !ok {
		return nil, ErrNotFound
	}
	return grant, nil
}

// GrantAccess records (or extends) a peer and its access grant, mutually
// established at the end of a successful claim handshake. If a non-revoked
// grant already exists for signPubHex, sessions and caps are unioned into
// it rather than replacing it, per the trust model's merge semantics.
func (st *Store) GrantAccess(signPubHex, encryptPubHex, label, grantedBy string, sessions, caps []string, ttl *time.Duration) (*AccessGrant, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	peer, ok := st.s.Peers[signPubHex]
	if !ok {
		peer = &Peer{
			SignPub:    signPubHex,
			EncryptPub: encryptPubHex,
			Label:      label,
			Sessions:   sessions,
			Caps:       caps,
			AddedAt:    time.Now(),
		}
		st.s.Peers[signPubHex] = peer
	} else if peer.Revoked {
		return nil, ErrRevoked
	} else {
		peer.EncryptPub = encryptPubHex
		peer.Sessions = unionStrings(peer.Sessions, sessions)
		peer.Caps = unionStrings(peer.Caps, caps)
	}

	grant, exists := st.s.Grants[signPubHex]
	if !exists {
		grant = &AccessGrant{
			ID:        uuid.NewString(),
			PeerKey:   signPubHex,
			EncryptPub: encryptPubHex,
			Sessions:  sessions,
			Caps:      caps,
			GrantedBy: grantedBy,
			GrantedAt: time.Now(),
		}
	} else {
		grant.Sessions = unionStrings(grant.Sessions, sessions)
		grant.Caps = unionStrings(grant.Caps, caps)
		grant.EncryptPub = encryptPubHex
	}
	if ttl != nil {
		exp := time.Now().Add(*ttl)
		grant.ExpiresAt = &exp
	}
	st.s.Grants[signPubHex] = grant

	if err := st.persistLocked(); err != nil {
		return nil, err
	}
	logger.Info("access granted", logger.String("peer", signPubHex), logger.String("label", label))
	return grant, nil
}

// RevokePeer marks a peer as revoked; IsAuthorized will return false for it
// (and for any key in its rotation chain) from this point on.
func (st *Store) RevokePeer(signPubHex string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	peer, ok := st.s.Peers[signPubHex]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	peer.Revoked = true
	peer.RevokedAt = &now
	delete(st.s.Grants, signPubHex)

	if err := st.persistLocked(); err != nil {
		return err
	}
	logger.Info("peer revoked", logger.String("peer", signPubHex))
	return nil
}

// GetPeer returns the stored Peer record for signPubHex.
func (st *Store) GetPeer(signPubHex string) (*Peer, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	peer, ok := st.s.Peers[signPubHex]
	if !ok {
		return nil, ErrNotFound
	}
	return peer, nil
}

// ListPeers returns every known peer.
func (st *Store) ListPeers() []*Peer {
	st.mu.RLock()
	defer st.mu.RUnlock()
	peers := make([]*Peer, 0, len(st.s.Peers))
	for _, p := range st.s.Peers {
		peers = append(peers, p)
	}
	return peers
}

// RecordInvite tracks a newly minted invite so ClaimInvite can enforce
// single-use.
func (st *Store) RecordInvite(nonceHex, sub string, issuedAt, expiresAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Invites[nonceHex] = &InviteRecord{
		Nonce:     nonceHex,
		Sub:       sub,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	return st.persistLocked()
}

// ClaimInvite atomically marks an invite as claimed by claimantSignPubHex,
// failing if it was already claimed or is unknown.
func (st *Store) ClaimInvite(nonceHex, claimantSignPubHex string) (*InviteRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, ok := st.s.Invites[nonceHex]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.ClaimedBy != "" {
		return nil, ErrInviteAlreadyClaimed
	}
	now := time.Now()
	rec.ClaimedBy = claimantSignPubHex
	rec.ClaimedAt = &now
	if err := st.persistLocked(); err != nil {
		return nil, err
	}
	return rec, nil
}

// ProcessPeerKeyRotation verifies a KeyRotation announcement against the
// peer's currently-trusted key, records the new key into KeyHistory with
// the grace-period expiry the announcement itself declares (kr.ValidUntil,
// not any locally configured default), migrates the access grant to the
// new key, and persists the result. It is idempotent: processing the same
// announcement twice (e.g. delivered over two concurrent connections)
// leaves state unchanged on the second call.
func (st *Store) ProcessPeerKeyRotation(kr *identity.KeyRotation) error {
	if err := identity.VerifyKeyRotationAnnouncement(kr); err != nil {
		return fmt.Errorf("verify rotation: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	peer, ok := st.s.Peers[kr.OldSignPub]
	if !ok {
		return ErrNotFound
	}
	if peer.Revoked {
		return ErrRevoked
	}

	for _, entry := range st.s.KeyHistory {
		if entry.OldSignPub == kr.OldSignPub && entry.NewSignPub == kr.NewSignPub {
			return nil // already processed
		}
	}

	st.s.KeyHistory = append(st.s.KeyHistory, KeyHistoryEntry{
		OldSignPub: kr.OldSignPub,
		NewSignPub: kr.NewSignPub,
		RotatedAt:  kr.RotatedAt,
		ExpiresAt:  kr.ValidUntil(),
	})

	newPeer := &Peer{
		SignPub:    kr.NewSignPub,
		EncryptPub: kr.NewEncryptPub,
		Label:      peer.Label,
		Sessions:   peer.Sessions,
		Caps:       peer.Caps,
		AddedAt:    peer.AddedAt,
	}
	st.s.Peers[kr.NewSignPub] = newPeer

	if grant, ok := st.s.Grants[kr.OldSignPub]; ok {
		migrated := *grant
		migrated.PeerKey = kr.NewSignPub
		st.s.Grants[kr.NewSignPub] = &migrated
		delete(st.s.Grants, kr.OldSignPub)
	}
	// The old key's own records are retired now that KeyHistory carries the
	// translation: resolveCurrentKeyLocked is the only path back to it, and
	// that path stops working the instant ExpiresAt passes. Leaving the old
	// Peer/Grant entries in place would let isAuthorizedLocked find them
	// directly and keep authorizing the old key forever, which breaks the
	// grace-period invariant: an old key must stop working once the grace
	// window elapses.
	if kr.OldSignPub != kr.NewSignPub {
		delete(st.s.Peers, kr.OldSignPub)
	}

	return st.persistLocked()
}

// CleanupExpiredKeyHistory drops KeyHistory entries whose grace period has
// elapsed. It should be called periodically (e.g. alongside replay-cache
// GC) to keep the trust file from growing unbounded across many rotations.
func (st *Store) CleanupExpiredKeyHistory() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	kept := st.s.KeyHistory[:0]
	for _, entry := range st.s.KeyHistory {
		if now.Before(entry.ExpiresAt) {
			kept = append(kept, entry)
		}
	}
	st.s.KeyHistory = kept
	return st.persistLocked()
}

// Close is a no-op for the file-backed store; it exists so Store satisfies
// the same shape as trust/postgres.Store for callers that hold either
// behind an interface.
func (st *Store) Close() error { return nil }

// Ping reports the file-backed store as always available.
func (st *Store) Ping(_ context.Context) error { return nil }
