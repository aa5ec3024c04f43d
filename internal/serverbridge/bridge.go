// Package serverbridge implements the per-client full-duplex relay between
// an RPC stream and the local editor-server socket (spec.md §4.C).
//
// Grounded on original_source/server_bridge.rs for the reader-task/write/
// close contract, and on pkg/relay.WSTunnel's pending-map + short-critical-
// section mutex discipline for the multiplexer's single-writer-per-bridge
// loop.
package serverbridge

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// readBufSize matches original_source/server_bridge.rs's 64 KiB buffer.
const readBufSize = 65536

// Sink receives bytes/events read from the server socket.
type Sink interface {
	ServerMessage(bridgeID uint32, data []byte)
	ServerClosed(bridgeID uint32)
}

// Bridge owns a connection to the editor server's local socket and a
// compression codec pair.
type Bridge struct {
	ID     uint32
	conn   net.Conn
	codec  Codec
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New opens socketPath and spawns the reader task.
func New(id uint32, socketPath string, sink Sink, codec Codec, logger *slog.Logger) (*Bridge, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "dial server socket", err)
	}
	return NewFromConn(id, conn, sink, codec, logger), nil
}

// NewFromConn wraps an already-established connection to the editor
// server (e.g. a TCP dial when the server printed a port rather than a
// socket path) and spawns the reader task.
func NewFromConn(id uint32, conn net.Conn, sink Sink, codec Codec, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{ID: id, conn: conn, codec: codec, sink: sink, logger: logger}
	go b.readLoop()
	return b
}

func (b *Bridge) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			b.sink.ServerMessage(b.ID, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if err != io.EOF {
				b.logger.Warn("serverbridge: read error", "bridge_id", b.ID, "error", err)
			}
			_ = b.conn.Close()
			b.sink.ServerClosed(b.ID)
			return
		}
	}
}

// Write runs bytes through the decoder before writing to the server.
// Writing to a closed bridge returns a Transport error and writes nothing.
func (b *Bridge) Write(bytes []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return xerrors.New(xerrors.Transport, "bridge closed")
	}
	b.mu.Unlock()

	decoded, err := b.codec.Decode(bytes)
	if err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "decode bridge payload", err)
	}
	if len(decoded) == 0 {
		return nil
	}
	if _, err := b.conn.Write(decoded); err != nil {
		return xerrors.Wrap(xerrors.Transport, "write to server socket", err)
	}
	return nil
}

// Close shuts down the write half (the whole connection when it has no
// CloseWrite); the reader task closes the connection once the server side
// ends. Subsequent Write calls return a Transport error without touching the
// server socket, per spec.md §8.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	if cw, ok := b.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return b.conn.Close()
}
