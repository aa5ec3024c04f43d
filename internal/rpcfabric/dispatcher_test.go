package rpcfabric

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestDispatcher_SyncMethodNotFound(t *testing.T) {
	clientConn, serverConn := pipePair(t)

	server := New(NewLengthPrefixedCodec(serverConn, serverConn), nil, nil)
	client := New(NewLengthPrefixedCodec(clientConn, clientConn), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	_, err := client.Call(context.Background(), "nope", map[string]any{})
	require.Error(t, err)
}

func TestDispatcher_SyncSuccess(t *testing.T) {
	clientConn, serverConn := pipePair(t)

	server := New(NewLengthPrefixedCodec(serverConn, serverConn), nil, nil)
	server.RegisterSync("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"pong": "ok"}, nil
	})
	client := New(NewLengthPrefixedCodec(clientConn, clientConn), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	raw, err := client.Call(context.Background(), "ping", map[string]any{})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "ok", got["pong"])
}

func TestDispatcher_LineJSONNotification(t *testing.T) {
	clientConn, serverConn := pipePair(t)

	received := make(chan string, 1)
	client := New(NewLineJSONCodec(clientConn, clientConn), nil, func(method string, params json.RawMessage) {
		received <- method
	})
	server := New(NewLineJSONCodec(serverConn, serverConn), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	server.Notify("version", map[string]any{"version": "1", "protocol_version": 1})

	select {
	case method := <-received:
		require.Equal(t, "version", method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
