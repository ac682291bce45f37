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

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// pipeConn is one end of an in-memory duplex line stream, backed by a pair
// of io.Pipes. The pipes hold no buffer: WriteLine blocks until the other
// end reads the line. It never touches the network; it exists so protocol
// tests can run a full two-party handshake without a network listener.
type pipeConn struct {
	addr   string
	reader *bufio.Reader
	writer io.WriteCloser
	closer io.Closer

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipePair(addrA, addrB string) (*pipeConn, *pipeConn) {
	aIn, bOut := io.Pipe()
	bIn, aOut := io.Pipe()

	a := &pipeConn{addr: addrA, reader: bufio.NewReader(aIn), writer: aOut, closer: aIn, closed: make(chan struct{})}
	b := &pipeConn{addr: addrB, reader: bufio.NewReader(bIn), writer: bOut, closer: bIn, closed: make(chan struct{})}
	return a, b
}

// ReadLine blocks on the underlying pipe for one newline-terminated frame.
// ReadLine returns as soon as ctx is done, but the background read it
// started keeps waiting until data arrives or the peer closes, and the line
// it then reads is discarded.
func (c *pipeConn) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := c.reader.ReadBytes('\n')
		done <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if r.err == io.EOF || r.err == io.ErrClosedPipe {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return trimNewline(r.line), nil
	}
}

// WriteLine writes line followed by a single newline.
func (c *pipeConn) WriteLine(ctx context.Context, line []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := c.writer.Write(buf); err != nil {
		return fmt.Errorf("transport: loopback write: %w", err)
	}
	return nil
}

func (c *pipeConn) RemoteAddr() string { return c.addr }

func (c *pipeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if werr := c.writer.Close(); werr != nil {
			err = werr
		}
		if cerr := c.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func trimNewline(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

// Loopback is an in-process Dialer/Acceptor pair used by tests: Dial
// produces a fresh connected pair of Conns and hands one end to the
// matching Accept call, exactly as a real listener would, but with no
// network stack involved.
type Loopback struct {
	addr    string
	mu      sync.Mutex
	pending chan *pipeConn
	closed  bool
}

// NewLoopback creates a Loopback bound to a synthetic address, for
// labeling connections in logs during tests.
func NewLoopback(addr string) *Loopback {
	return &Loopback{addr: addr, pending: make(chan *pipeConn)}
}

// Dial creates a fresh pipe pair and blocks until a concurrent Accept call
// claims the listener side, exactly like a real TCP dial/accept handshake.
func (l *Loopback) Dial(ctx context.Context, addr string) (Conn, error) {
	clientSide, serverSide := newPipePair("loopback-client", l.addr)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.mu.Unlock()

	select {
	case l.pending <- serverSide:
		return clientSide, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept blocks until a Dial call is waiting, ctx is canceled, or the
// Loopback is closed.
func (l *Loopback) Accept(ctx context.Context) (Conn, error) {
	select {
	case c, ok := <-l.pending:
		if !ok {
			return nil, ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr reports the Loopback's synthetic address.
func (l *Loopback) Addr() string { return l.addr }

// Close marks the Loopback closed; any blocked Accept returns ErrClosed.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.pending)
	return nil
}
