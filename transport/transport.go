// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package transport provides the line-oriented duplex connection
// abstraction the protocol engine is built on, allowing it to run over a
// loopback pipe in tests, a WebSocket in development, or any future
// stream-oriented carrier without changing the engine itself.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Conn operations performed after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a single bidirectional, line-framed connection between two
// nodes. Each call to WriteLine sends exactly one frame (one JSON object,
// newline-terminated on the loopback pipe, one text message on a
// WebSocket); each call to ReadLine blocks for exactly one complete frame.
type Conn interface {
	// ReadLine blocks until one full line (frame) is available, ctx is
	// canceled, or the connection is closed.
	ReadLine(ctx context.Context) ([]byte, error)
	// WriteLine sends one line (frame). Stream implementations append the
	// trailing newline themselves; line must not already contain one.
	WriteLine(ctx context.Context, line []byte) error
	// RemoteAddr identifies the peer for logging/metrics, in whatever
	// form the underlying transport provides (host:port, a channel id).
	RemoteAddr() string
	// Close releases the connection's resources. Safe to call more than
	// once; subsequent calls are no-ops.
	Close() error
}

// Dialer opens new outbound connections, used by the protocol engine's
// initiator side (Inject, Claim, SendKeyRotation).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Acceptor listens for inbound connections, used by the protocol engine's
// Listener.
type Acceptor interface {
	// Accept blocks until a new connection arrives, ctx is canceled, or
	// the listener is closed.
	Accept(ctx context.Context) (Conn, error)
	// Addr reports the address the listener is bound to.
	Addr() string
	Close() error
}
