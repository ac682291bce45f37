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

// Package metrics exposes the prometheus counters and histograms the
// protocol engine records against: handshakes, claims, injects, rejects,
// rate-limit blocks, and replay drops, using the usual promauto
// registration convention under this module's own namespace.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wopr"

// Registry is the collector registry every metric below is registered
// against, kept separate from prometheus.DefaultRegisterer so importing
// this package does not register anything in process-global state.
var Registry = prometheus.NewRegistry()

var (
	handshakesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Handshakes attempted, labeled by role and outcome.",
		},
		[]string{"role", "outcome"}, // role: initiator|responder, outcome: ok|version_mismatch|offline|invalid
	)

	claimsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "total",
			Help:      "Claim requests processed by the responder, labeled by outcome.",
		},
		[]string{"outcome"}, // ok|rejected|invalid; rate-limited claims are counted in ratelimit_blocks_total
	)

	injectsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inject",
			Name:      "total",
			Help:      "Inject requests processed by the responder, labeled by outcome.",
		},
		[]string{"outcome"}, // ok|rejected|invalid; rate-limited injects are counted in ratelimit_blocks_total
	)

	rotationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "key_rotation",
			Name:      "total",
			Help:      "Key-rotation announcements processed, labeled by outcome.",
		},
		[]string{"outcome"}, // ok|invalid
	)

	rateLimitBlocksTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "blocks_total",
			Help:      "Requests refused by the rate gate, labeled by class.",
		},
		[]string{"class"},
	)

	replayDropsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "drops_total",
			Help:      "Frames dropped by the replay protector (reused nonce or clock skew).",
		},
	)

	invalidMessagesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "invalid_total",
			Help:      "Frames dropped for malformed structure, bad signature, or replay.",
		},
	)

	connectionDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of one responder connection, handshake through close.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

// Handler serves Registry's metrics in the standard Prometheus exposition
// format, for a node that wants to mount it alongside its own HTTP server.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordHandshake tallies one handshake attempt by role and outcome.
func RecordHandshake(role, outcome string) {
	handshakesTotal.WithLabelValues(role, outcome).Inc()
}

// RecordClaim tallies one processed claim request.
func RecordClaim(outcome string) {
	claimsTotal.WithLabelValues(outcome).Inc()
}

// RecordInject tallies one processed inject request.
func RecordInject(outcome string) {
	injectsTotal.WithLabelValues(outcome).Inc()
}

// RecordRotation tallies one processed key-rotation announcement.
func RecordRotation(outcome string) {
	rotationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimitBlock tallies one request refused by the rate gate.
func RecordRateLimitBlock(class string) {
	rateLimitBlocksTotal.WithLabelValues(class).Inc()
}

// RecordReplayDrop tallies one frame dropped by the replay protector.
func RecordReplayDrop() {
	replayDropsTotal.Inc()
}

// RecordInvalidMessage tallies one frame dropped for malformed structure,
// a bad signature, or a replay.
func RecordInvalidMessage() {
	invalidMessagesTotal.Inc()
}

// ObserveConnectionDuration records how long a responder connection
// stayed open, from accept to close.
func ObserveConnectionDuration(seconds float64) {
	connectionDuration.Observe(seconds)
}
