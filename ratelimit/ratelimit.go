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

// Package ratelimit throttles per-peer request classes with a sliding
// window counter, escalating to a cooldown block once a class's budget is
// exceeded within the window.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Class names the four request categories each carrying an independent
// budget: a peer exhausting its inject budget can still open new
// connections or attempt a claim.
type Class string

const (
	ClassConnections     Class = "connections"
	ClassClaims          Class = "claims"
	ClassInjects         Class = "injects"
	ClassInvalidMessages Class = "invalid_messages"
)

// ClassConfig bounds one class: at most MaxRequests within Window; once
// exceeded, the peer is blocked for BlockDuration before the window resets.
type ClassConfig struct {
	Window        time.Duration `yaml:"window"`
	MaxRequests   int           `yaml:"max_requests"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

// Config collects per-class limits. A future config loader would populate
// this from a file; here it exists as a typed, documented default.
type Config struct {
	Connections     ClassConfig `yaml:"connections"`
	Claims          ClassConfig `yaml:"claims"`
	Injects         ClassConfig `yaml:"injects"`
	InvalidMessages ClassConfig `yaml:"invalid_messages"`
}

// DefaultConfig sets generous budgets for ordinary traffic, and a tight
// budget with a long cooldown for malformed messages since those are the
// strongest signal of an attacking peer.
func DefaultConfig() Config {
	return Config{
		Connections:     ClassConfig{Window: 60 * time.Second, MaxRequests: 10, BlockDuration: 300 * time.Second},
		Claims:          ClassConfig{Window: 60 * time.Second, MaxRequests: 5, BlockDuration: 300 * time.Second},
		Injects:         ClassConfig{Window: 1 * time.Second, MaxRequests: 10, BlockDuration: 60 * time.Second},
		InvalidMessages: ClassConfig{Window: 60 * time.Second, MaxRequests: 3, BlockDuration: 600 * time.Second},
	}
}

// LoadConfig parses a YAML document (the yaml-tagged shape DefaultConfig
// returns) into a Config, falling back to DefaultConfig's values for any
// class left unspecified. No file-watcher or CLI flag wires this in yet;
// it exists as the typed unmarshal a future loader would call, keeping
// the tunables yaml-tagged even before anything reads them from disk.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("ratelimit: parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) forClass(class Class) ClassConfig {
	switch class {
	case ClassConnections:
		return c.Connections
	case ClassClaims:
		return c.Claims
	case ClassInjects:
		return c.Injects
	case ClassInvalidMessages:
		return c.InvalidMessages
	default:
		return ClassConfig{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Minute}
	}
}

type window struct {
	mu          sync.Mutex
	hits        []time.Time
	blockedUntil time.Time
}

// Gate is the sliding-window rate limiter for a single node, tracking
// independent counters per (peerKey, class).
type Gate struct {
	cfg     Config
	windows sync.Map // string(peerKey+"|"+class) -> *window
}

// New creates a Gate with the given per-class configuration.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Allow records one request of class by peerKey and reports whether it is
// within budget. Once a peer exceeds a class's MaxRequests within Window,
// every subsequent call for that (peerKey, class) returns false until
// BlockDuration elapses, regardless of how the sliding window itself would
// otherwise have emptied — the cooldown is a hard floor, not just a reset.
func (g *Gate) Allow(peerKey string, class Class) bool {
	key := peerKey + "|" + string(class)
	v, _ := g.windows.LoadOrStore(key, &window{})
	w := v.(*window)
	cc := g.cfg.forClass(class)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Before(w.blockedUntil) {
		return false
	}

	cutoff := now.Add(-cc.Window)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = kept

	if len(w.hits) >= cc.MaxRequests {
		w.blockedUntil = now.Add(cc.BlockDuration)
		return false
	}

	w.hits = append(w.hits, now)
	return true
}

// Reset clears all counters and blocks for peerKey, across every class.
// Used when a peer is removed from the trust store entirely, so a later
// re-invite starts with a clean slate rather than inheriting a stale block.
func (g *Gate) Reset(peerKey string) {
	for _, class := range []Class{ClassConnections, ClassClaims, ClassInjects, ClassInvalidMessages} {
		g.windows.Delete(peerKey + "|" + string(class))
	}
}
