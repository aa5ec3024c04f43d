package rpcfabric

import (
	"net"
	"sync"
)

// DuplexStream is the handler-facing side of an in-memory duplex pipe
// allocated by a Duplex method. Reads yield bytes the peer sent via
// stream_data; writes are pumped outward as stream_data notifications;
// Close ends the stream.
type DuplexStream struct {
	ID   uint32
	conn net.Conn // handler-facing end
}

func (s *DuplexStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *DuplexStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *DuplexStream) Close() error                { return s.conn.Close() }

// streamEntry is the dispatcher-facing half of a duplex stream: wireConn is
// the end the dispatcher reads/writes against the wire; shutdownOnce
// guards the "stream_ended shuts down the write half exactly once"
// invariant from spec.md §8.
type streamEntry struct {
	wireConn      net.Conn
	shutdownOnce  sync.Once
}

// streamTable is the map stream_id → (writer, pending writes) from
// spec.md §3, simplified: net.Pipe is unbuffered, so a write of incoming
// stream_data blocks until the handler reads it and no pending-writes queue
// is kept; the table need only track liveness for the no-op-on-unknown-id
// and shutdown-exactly-once invariants.
type streamTable struct {
	mu      sync.Mutex
	entries map[uint32]*streamEntry
}

func newStreamTable() *streamTable {
	return &streamTable{entries: make(map[uint32]*streamEntry)}
}

// allocate creates n duplex pipes and returns the handler-facing streams
// plus their ids, registering the wire-facing ends in the table.
func (t *streamTable) allocate(n int, nextID func() uint32) []*DuplexStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	streams := make([]*DuplexStream, n)
	for i := 0; i < n; i++ {
		id := nextID()
		handlerEnd, wireEnd := net.Pipe()
		t.entries[id] = &streamEntry{wireConn: wireEnd}
		streams[i] = &DuplexStream{ID: id, conn: handlerEnd}
	}
	return streams
}

// writeData delivers an incoming stream_data payload to the stream with the
// given id. Unknown ids are a no-op, per spec.md §8.
func (t *streamTable) writeData(id uint32, data []byte) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	_, _ = e.wireConn.Write(data)
}

// end shuts down the write half of the stream exactly once and removes it
// from the table.
func (t *streamTable) end(id uint32) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	e.shutdownOnce.Do(func() { _ = e.wireConn.Close() })
}

// remove drops the entry (used once the handler completes) without
// necessarily closing it twice.
func (t *streamTable) remove(id uint32) {
	t.end(id)
}

func (t *streamTable) wireConnOf(id uint32) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.wireConn, true
}
