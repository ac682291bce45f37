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

// Package replay guards every signed frame against being accepted twice. A
// frame carries a per-sender nonce and a timestamp; this package tracks
// seen (peerKey, nonce) pairs in a bounded, self-cleaning cache keyed on
// peer identity.
package replay

import (
	"errors"
	"sync"
	"time"
)

// ErrReplayed is returned when a (peerKey, nonce) pair has already been
// accepted.
var ErrReplayed = errors.New("replay: nonce already seen")

// ErrClockSkew is returned when a frame's timestamp falls outside the
// configured skew tolerance, before its nonce is even checked, to keep a
// flood of far-future/far-past frames from growing the cache unbounded.
var ErrClockSkew = errors.New("replay: timestamp outside allowed skew")

// Config tunes the protector's bounds. A future config loader would
// populate this from a file; here it exists as a typed, documented default.
type Config struct {
	// MaxAge is how long a nonce is remembered after first being seen, and
	// how far a frame's timestamp may lie behind local time.
	MaxAge time.Duration `yaml:"max_age"`
	// MaxSkew bounds how far a frame's timestamp may lie ahead of local
	// time before it is rejected outright.
	MaxSkew time.Duration `yaml:"max_skew"`
}

// DefaultConfig remembers a frame for 5 minutes after first being seen,
// and rejects it outright if its timestamp is more than 30 seconds ahead
// of local time.
func DefaultConfig() Config {
	return Config{MaxAge: 5 * time.Minute, MaxSkew: 30 * time.Second}
}

// Protector is a bounded, per-peer nonce cache. One Protector is shared by
// a listener across all connections; lookups are keyed on the peer key the
// caller passes (the listener passes the sender's hex signing key) so one noisy or malicious peer cannot exhaust the budget of
// another's replay window.
type Protector struct {
	cfg  Config
	data sync.Map // peerKey -> *sync.Map (nonce -> expiryUnixNano)
	tick *time.Ticker
	stop chan struct{}
}

// New creates a Protector and starts its background cleanup loop.
// Call Close when the listener shuts down to stop that goroutine.
func New(cfg Config) *Protector {
	p := &Protector{
		cfg:  cfg,
		stop: make(chan struct{}),
		tick: time.NewTicker(time.Minute),
	}
	go p.gcLoop()
	return p
}

// Check validates ts against the skew window, then records (peerKey, nonce)
// if not already seen. It returns ErrClockSkew or ErrReplayed on rejection,
// nil if the frame is accepted as fresh.
func (p *Protector) Check(peerKey, nonce string, ts time.Time) error {
	now := time.Now()
	if ts.Before(now.Add(-p.cfg.MaxAge)) || ts.After(now.Add(p.cfg.MaxSkew)) {
		return ErrClockSkew
	}

	exp := now.Add(p.cfg.MaxAge).UnixNano()
	v, _ := p.data.LoadOrStore(peerKey, &sync.Map{})
	m := v.(*sync.Map)

	if old, loaded := m.LoadOrStore(nonce, exp); loaded {
		if prevExp, _ := old.(int64); prevExp >= now.UnixNano() {
			return ErrReplayed
		}
		// Entry expired between Load and now: refresh it and accept.
		m.Store(nonce, exp)
	}
	return nil
}

// ForgetPeer drops all remembered nonces for peerKey, used when a peer is
// revoked so its entry doesn't linger in the cache needlessly.
func (p *Protector) ForgetPeer(peerKey string) {
	p.data.Delete(peerKey)
}

// Close stops the background GC goroutine.
func (p *Protector) Close() {
	close(p.stop)
	if p.tick != nil {
		p.tick.Stop()
	}
}

func (p *Protector) gcLoop() {
	for {
		select {
		case <-p.tick.C:
			now := time.Now().UnixNano()
			p.data.Range(func(k, v any) bool {
				m := v.(*sync.Map)
				empty := true
				m.Range(func(nk, nv any) bool {
					if exp, _ := nv.(int64); exp < now {
						m.Delete(nk)
					} else {
						empty = false
					}
					return true
				})
				if empty {
					p.data.Delete(k)
				}
				return true
			})
		case <-p.stop:
			return
		}
	}
}
