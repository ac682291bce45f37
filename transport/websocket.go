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
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to the line-oriented Conn interface by
// carrying each frame as a single WebSocket text message rather than as
// length-prefixed bytes on a raw stream.
type wsConn struct {
	conn         *websocket.Conn
	remoteAddr   string
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) ReadLine(ctx context.Context) ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
	}
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := c.conn.ReadMessage()
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("transport: websocket read: %w", r.err)
		}
		return r.line, nil
	}
}

func (c *wsConn) WriteLine(ctx context.Context, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("transport: set write deadline: %w", err)
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) RemoteAddr() string { return c.remoteAddr }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}

// WebSocketDialer opens outbound connections to a peer's WebSocket
// listener, one per Dial call.
type WebSocketDialer struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewWebSocketDialer creates a dialer with sensible defaults: a generous
// handshake timeout and read/write deadlines applied per frame rather
// than per connection.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		DialTimeout:  30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Dial connects to addr (a ws:// or wss:// URL) and returns a line-framed
// Conn backed by the resulting WebSocket.
func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: d.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: websocket dial failed: %w", err)
	}
	return &wsConn{
		conn:         conn,
		remoteAddr:   addr,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
	}, nil
}

// WebSocketListener upgrades incoming HTTP connections to WebSockets and
// hands each one to the protocol engine as a line-framed Conn. Accepted
// connections are delivered on an internal channel so Accept can present
// the same blocking interface as any other Acceptor, even though the
// underlying upgrade happens inside an http.Handler callback.
type WebSocketListener struct {
	addr         string
	upgrader     websocket.Upgrader
	readTimeout  time.Duration
	writeTimeout time.Duration

	accepted chan *wsConn
	closed   chan struct{}
	closeOnce sync.Once

	connMu      sync.Mutex
	connections map[*wsConn]struct{}
}

// NewWebSocketListener creates a listener bound to addr for bookkeeping
// purposes; callers are responsible for serving Handler() on an
// http.Server listening at that address.
func NewWebSocketListener(addr string) *WebSocketListener {
	return &WebSocketListener{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		readTimeout:  60 * time.Second,
		writeTimeout: 30 * time.Second,
		accepted:     make(chan *wsConn),
		closed:       make(chan struct{}),
		connections:  make(map[*wsConn]struct{}),
	}
}

// Handler returns the http.Handler to mount on a listening http.Server;
// each successful upgrade is queued for a matching Accept call.
func (l *WebSocketListener) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &wsConn{
			conn:         conn,
			remoteAddr:   r.RemoteAddr,
			readTimeout:  l.readTimeout,
			writeTimeout: l.writeTimeout,
		}
		l.trackConn(c)

		select {
		case l.accepted <- c:
		case <-l.closed:
			_ = c.Close()
		}
	})
}

func (l *WebSocketListener) trackConn(c *wsConn) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.connections[c] = struct{}{}
}

// Accept blocks until a connection has been upgraded, ctx is canceled, or
// the listener is closed.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c, ok := <-l.accepted:
		if !ok {
			return nil, ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	}
}

// Addr reports the address the listener believes it is bound to.
func (l *WebSocketListener) Addr() string { return l.addr }

// Close stops accepting new connections and closes every connection
// tracked so far.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.connMu.Lock()
		defer l.connMu.Unlock()
		for c := range l.connections {
			_ = c.Close()
		}
	})
	return nil
}
