package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-db/mnemo/model"
	"github.com/mnemo-db/mnemo/wire"
)

// startFakeServer accepts one connection and answers each request with
// the next canned response, then closes the connection.
func startFakeServer(t *testing.T, responses ...wire.Response) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		for _, resp := range responses {
			if _, err := wire.ReadRequest(br); err != nil {
				return
			}
			if err := wire.WriteResponse(conn, resp); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func dialFake(t *testing.T, addr string) *Client {
	t.Helper()

	c, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientServerError(t *testing.T) {
	addr := startFakeServer(t, &wire.ErrorResponse{Code: wire.CodeNotFound, Message: "missing"})
	c := dialFake(t, addr)

	_, err := c.GetConcept(context.Background(), model.ConceptID(42))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "not_found")
	assert.Contains(t, err.Error(), "missing")
}

func TestClientUnexpectedResponse(t *testing.T) {
	addr := startFakeServer(t, &wire.FlushResponse{})
	c := dialFake(t, addr)

	err := c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected response")
}

func TestClientBrokenConnectionFailsFast(t *testing.T) {
	// Zero responses: the fake closes right after accepting.
	addr := startFakeServer(t)
	c := dialFake(t, addr)

	err := c.Health(context.Background())
	require.Error(t, err)

	err = c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection broken")
}

func TestClientClosed(t *testing.T) {
	addr := startFakeServer(t, &wire.HealthResponse{})
	c := dialFake(t, addr)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Health(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestClientDialFailure(t *testing.T) {
	_, err := Dial("127.0.0.1:1", func(o *Options) {
		o.DialTimeout = 200 * time.Millisecond
	})
	require.Error(t, err)
}

func TestClientContextDeadline(t *testing.T) {
	// The fake reads the request but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		_, _ = wire.ReadRequest(br)
		// Hold the connection open without answering until the peer
		// goes away.
		_, _ = io.Copy(io.Discard, br)
	}()

	c := dialFake(t, ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Health(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
