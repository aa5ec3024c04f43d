package serverbridge

import (
	"log/slog"
	"sync"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// writeRequest is one queued write for a bridge's single-writer loop.
type writeRequest struct {
	bytes []byte
	done  chan error
}

// bridgeState is a registry entry: the bridge itself plus its pending
// write queue and whether a writer loop currently owns it.
type bridgeState struct {
	bridge     *Bridge
	mu         sync.Mutex
	pending    []writeRequest
	loopActive bool
}

// Registry is the server bridge multiplexer keyed by logical stream id
// (spec.md §3's "Server bridge registry"). It serializes per-bridge writes
// via a single-writer loop: a write for a bridge not currently being
// written spawns the loop; the loop drains the queue and exits when it is
// empty. Closing a bridge is left to Remove and Dispose.
type Registry struct {
	mu       sync.Mutex
	bridges  map[uint32]*bridgeState
	disposed bool
	logger   *slog.Logger
}

// NewRegistry creates an empty bridge registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{bridges: make(map[uint32]*bridgeState), logger: logger}
}

// Add registers a bridge under its id. Adding to a disposed registry is
// rejected.
func (r *Registry) Add(b *Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return xerrors.New(xerrors.Unavailable, "bridge registry disposed")
	}
	r.bridges[b.ID] = &bridgeState{bridge: b}
	return nil
}

// Get returns the bridge registered under id, if any.
func (r *Registry) Get(id uint32) (*Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bridges[id]
	if !ok {
		return nil, false
	}
	return st.bridge, true
}

// Write enqueues bytes for bridge id, spawning its writer loop if idle.
func (r *Registry) Write(id uint32, bytes []byte) error {
	r.mu.Lock()
	st, ok := r.bridges[id]
	r.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.NotFound, "no such bridge")
	}

	done := make(chan error, 1)
	st.mu.Lock()
	st.pending = append(st.pending, writeRequest{bytes: bytes, done: done})
	spawn := !st.loopActive
	if spawn {
		st.loopActive = true
	}
	st.mu.Unlock()

	if spawn {
		go r.runWriterLoop(id, st)
	}
	return <-done
}

func (r *Registry) runWriterLoop(id uint32, st *bridgeState) {
	for {
		st.mu.Lock()
		if len(st.pending) == 0 {
			st.loopActive = false
			st.mu.Unlock()
			return
		}
		req := st.pending[0]
		st.pending = st.pending[1:]
		st.mu.Unlock()

		req.done <- st.bridge.Write(req.bytes)
	}
}

// Remove closes and removes the bridge registered under id.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	st, ok := r.bridges[id]
	if ok {
		delete(r.bridges, id)
	}
	r.mu.Unlock()
	if ok {
		_ = st.bridge.Close()
	}
}

// Dispose closes every bridge and marks the registry closed to new adds.
func (r *Registry) Dispose() {
	r.mu.Lock()
	r.disposed = true
	bridges := r.bridges
	r.bridges = make(map[uint32]*bridgeState)
	r.mu.Unlock()
	for _, st := range bridges {
		_ = st.bridge.Close()
	}
}
