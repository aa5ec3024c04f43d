package rpcfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// SyncHandler returns its result synchronously.
type SyncHandler func(ctx context.Context, params json.RawMessage) (any, error)

// AsyncHandler is dispatched concurrently; its write to the outbound queue
// is still serialized with every other write via the single writer loop.
type AsyncHandler func(ctx context.Context, params json.RawMessage) (any, error)

// DuplexHandler receives its pre-allocated streams and a value to reply
// with once it returns.
type DuplexHandler func(ctx context.Context, params json.RawMessage, streams []*DuplexStream) (any, error)

type methodKind int

const (
	kindSync methodKind = iota
	kindAsync
	kindDuplex
)

type methodEntry struct {
	kind        methodKind
	sync        SyncHandler
	async       AsyncHandler
	duplex      DuplexHandler
	duplexCount int
}

// callSink is the completion sink an outbound call waits on.
type callSink struct {
	result json.RawMessage
	err    *WireError
}

// Dispatcher runs the RPC fabric over one Codec: it serves the local
// method table for inbound requests/notifications and tracks outbound
// calls this process places on the peer.
type Dispatcher struct {
	codec  Codec
	logger *slog.Logger

	methods map[string]methodEntry

	mu       sync.Mutex
	calls    map[uint32]chan callSink
	nextCall atomic.Uint32
	nextStr  atomic.Uint32

	streams *streamTable
	outQ    *outboundQueue

	onNotification func(method string, params json.RawMessage)

	wg sync.WaitGroup
}

// New builds a Dispatcher over codec. onNotification handles any
// notification whose method isn't the reserved stream_data/stream_ended
// pair (e.g. version, log, shutdown).
func New(codec Codec, logger *slog.Logger, onNotification func(method string, params json.RawMessage)) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		codec:          codec,
		logger:         logger,
		methods:        make(map[string]methodEntry),
		calls:          make(map[uint32]chan callSink),
		streams:        newStreamTable(),
		outQ:           newOutboundQueue(),
		onNotification: onNotification,
	}
}

// RegisterSync adds a synchronous method handler. Mirrors
// pkg/mcp.Server's switch-on-method dispatch, generalized to a table.
func (d *Dispatcher) RegisterSync(method string, h SyncHandler) {
	d.methods[method] = methodEntry{kind: kindSync, sync: h}
}

// RegisterAsync adds a method dispatched on its own goroutine.
func (d *Dispatcher) RegisterAsync(method string, h AsyncHandler) {
	d.methods[method] = methodEntry{kind: kindAsync, async: h}
}

// RegisterDuplex adds a method that allocates numStreams duplex pipes
// before invoking h.
func (d *Dispatcher) RegisterDuplex(method string, numStreams int, h DuplexHandler) {
	d.methods[method] = methodEntry{kind: kindDuplex, duplex: h, duplexCount: numStreams}
}

// Run starts the single writer goroutine and the read loop; it blocks
// until the codec's reader returns an error (including io.EOF) or ctx is
// done, per spec.md §4.B's cancellation rule ("closing the shutdown
// barrier causes the read loop to stop after the current message").
func (d *Dispatcher) Run(ctx context.Context) error {
	d.wg.Add(1)
	go d.writeLoop()
	defer func() {
		d.mu.Lock()
		pending := d.calls
		d.calls = make(map[uint32]chan callSink)
		d.mu.Unlock()
		for _, ch := range pending {
			ch <- callSink{err: &WireError{Code: 0, Message: "transport closed"}}
		}
		d.outQ.close()
		d.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame, err := d.codec.ReadFrame()
		if err != nil {
			return err
		}
		d.handleFrame(ctx, frame)
	}
}

func (d *Dispatcher) writeLoop() {
	defer d.wg.Done()
	for {
		frame, ok := d.outQ.pop()
		if !ok {
			return
		}
		if err := d.codec.WriteFrame(frame); err != nil {
			d.logger.Warn("rpcfabric: write failed", "error", err)
			return
		}
	}
}

func (d *Dispatcher) handleFrame(ctx context.Context, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		// Malformed frames are logged and skipped, not fatal.
		d.logger.Warn("rpcfabric: malformed frame", "error", err)
		return
	}

	switch {
	case env.isRequest():
		d.handleRequest(ctx, *env.ID, env.Method, env.Params)
	case env.isNotification():
		d.handleNotification(env.Method, env.Params)
	case env.isResult():
		d.completeCall(*env.ID, env.Result, nil)
	case env.isError():
		d.completeCall(*env.ID, nil, env.Error)
	default:
		d.logger.Warn("rpcfabric: unrecognized envelope shape")
	}
}

const (
	methodStreamData  = "stream_data"
	methodStreamEnded = "stream_ended"
)

type streamDataParams struct {
	StreamID uint32          `json:"stream_id"`
	Data     json.RawMessage `json:"data"`
}

type streamEndedParams struct {
	StreamID uint32 `json:"stream_id"`
}

func (d *Dispatcher) handleNotification(method string, params json.RawMessage) {
	switch method {
	case methodStreamData:
		var p streamDataParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		var raw []byte
		_ = json.Unmarshal(p.Data, &raw)
		d.streams.writeData(p.StreamID, raw)
	case methodStreamEnded:
		var p streamEndedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		d.streams.end(p.StreamID)
	default:
		if d.onNotification != nil {
			d.onNotification(method, params)
		}
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, id uint32, method string, params json.RawMessage) {
	entry, ok := d.methods[method]
	if !ok {
		d.sendError(id, -1, fmt.Sprintf("Method not found: %s", method))
		return
	}

	switch entry.kind {
	case kindSync:
		result, err := entry.sync(ctx, params)
		d.reply(id, result, err)
	case kindAsync:
		go func() {
			result, err := entry.async(ctx, params)
			d.reply(id, result, err)
		}()
	case kindDuplex:
		streams := d.streams.allocate(entry.duplexCount, d.allocStreamID)
		ids := make([]uint32, len(streams))
		for i, s := range streams {
			ids[i] = s.ID
		}
		d.notify("streams_started", map[string]any{"for_request_id": id, "stream_ids": ids})
		for _, s := range streams {
			wc, _ := d.streams.wireConnOf(s.ID)
			go func(id uint32) {
				buf := make([]byte, 65536)
				for {
					n, err := wc.Read(buf)
					if n > 0 {
						d.notify(methodStreamData, map[string]any{"stream_id": id, "data": append([]byte(nil), buf[:n]...)})
					}
					if err != nil {
						d.notify(methodStreamEnded, streamEndedParams{StreamID: id})
						return
					}
				}
			}(s.ID)
		}
		go func() {
			result, err := entry.duplex(ctx, params, streams)
			for _, s := range streams {
				d.streams.remove(s.ID)
			}
			d.reply(id, result, err)
		}()
	}
}

// reply codes a handler's outcome onto the wire per spec.md §7: a params
// deserialization failure (ParamsError, set only at the literal
// json.Unmarshal(raw, &params) call site) gets code 0; every other
// handler-returned error gets code -1, regardless of its Kind.
func (d *Dispatcher) reply(id uint32, result any, err error) {
	if err != nil {
		code := -1
		if xerrors.IsParamsError(err) {
			code = 0
		}
		d.sendError(id, code, err.Error())
		return
	}
	d.sendResult(id, result)
}

func (d *Dispatcher) sendResult(id uint32, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		d.sendError(id, 0, "failed to encode result")
		return
	}
	b, _ := json.Marshal(envelope{ID: &id, Result: raw})
	d.outQ.push(b)
}

func (d *Dispatcher) sendError(id uint32, code int, message string) {
	b, _ := json.Marshal(envelope{ID: &id, Error: &WireError{Code: code, Message: message}})
	d.outQ.push(b)
}

// Notify sends a fire-and-forget notification to the peer.
func (d *Dispatcher) Notify(method string, params any) {
	d.notify(method, params)
}

func (d *Dispatcher) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	b, _ := json.Marshal(envelope{Method: method, Params: raw})
	d.outQ.push(b)
}

// Call issues an outbound request and blocks until its reply arrives or ctx
// is cancelled. The call table entry is removed exactly once, whether by a
// matching response or by the dispatcher shutting down.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := d.nextCall.Add(1)
	ch := make(chan callSink, 1)

	d.mu.Lock()
	d.calls[id] = ch
	d.mu.Unlock()

	raw, _ := json.Marshal(params)
	b, _ := json.Marshal(envelope{ID: &id, Method: method, Params: raw})
	d.outQ.push(b)

	select {
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.calls, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	case sink := <-ch:
		if sink.err != nil {
			return nil, xerrors.New(xerrors.External, sink.err.Message)
		}
		return sink.result, nil
	}
}

func (d *Dispatcher) completeCall(id uint32, result json.RawMessage, wireErr *WireError) {
	d.mu.Lock()
	ch, ok := d.calls[id]
	if ok {
		delete(d.calls, id)
	}
	d.mu.Unlock()
	if !ok {
		// Responses for unknown ids are silently dropped.
		return
	}
	ch <- callSink{result: result, err: wireErr}
}

func (d *Dispatcher) allocStreamID() uint32 {
	return d.nextStr.Add(1)
}
