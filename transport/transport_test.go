package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackDialAcceptExchangesLines(t *testing.T) {
	lb := NewLoopback("peer-a")
	defer lb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := lb.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		line, err := conn.ReadLine(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		if string(line) != `{"hello":"client"}` {
			serverDone <- fmt.Errorf("unexpected line: %s", line)
			return
		}
		serverDone <- conn.WriteLine(ctx, []byte(`{"hello":"server"}`))
	}()

	clientConn, err := lb.Dial(ctx, "ignored")
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteLine(ctx, []byte(`{"hello":"client"}`)))

	reply, err := clientConn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"server"}`, string(reply))

	require.NoError(t, <-serverDone)
}

func TestLoopbackCloseUnblocksAccept(t *testing.T) {
	lb := NewLoopback("peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := lb.Accept(ctx)
		done <- err
	}()

	require.NoError(t, lb.Close())
	err := <-done
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoopbackWriteLineSendsMultipleFramesInOrder(t *testing.T) {
	lb := NewLoopback("peer-c")
	defer lb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var serverConn Conn
	serverReady := make(chan struct{})
	go func() {
		c, err := lb.Accept(ctx)
		require.NoError(t, err)
		serverConn = c
		close(serverReady)
	}()

	clientConn, err := lb.Dial(ctx, "ignored")
	require.NoError(t, err)
	defer clientConn.Close()
	<-serverReady
	defer serverConn.Close()

	require.NoError(t, clientConn.WriteLine(ctx, []byte("first")))
	require.NoError(t, clientConn.WriteLine(ctx, []byte("second")))

	first, err := serverConn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))

	second, err := serverConn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))
}
