package serverbridge

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

type collectingSink struct {
	messages [][]byte
	closed   bool
}

func (s *collectingSink) ServerMessage(bridgeID uint32, data []byte) {
	s.messages = append(s.messages, data)
}
func (s *collectingSink) ServerClosed(bridgeID uint32) { s.closed = true }

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/srv.sock"
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, path
}

func TestBridge_WriteAfterCloseIsTransportError(t *testing.T) {
	ln, path := listenUnix(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 4096)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}
	}()

	sink := &collectingSink{}
	b, err := New(1, path, sink, IdentityCodec{}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())

	err = b.Write([]byte("hello"))
	require.Error(t, err)
	require.Equal(t, xerrors.Transport, xerrors.KindOf(err))
}

func TestDeflateSyncCodec_RoundTrip(t *testing.T) {
	c, err := NewDeflateSyncCodec()
	require.NoError(t, err)

	for _, size := range []int{3, 30, 300, 3000, 30000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		compressed, err := c.Encode(payload)
		require.NoError(t, err)

		decoded, err := c.Decode(compressed)
		require.NoError(t, err)
		require.Equal(t, payload, decoded)
	}
}

func TestRegistry_WriteToUnknownBridge(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Write(99, []byte("x"))
	require.Error(t, err)
	require.Equal(t, xerrors.NotFound, xerrors.KindOf(err))
}
