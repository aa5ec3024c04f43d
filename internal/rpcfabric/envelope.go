// Package rpcfabric implements the gateway's RPC wire protocol: a pluggable
// framed codec, a method table with Sync/Async/Duplex handlers, and a
// single-writer outbound queue that preserves enqueue order on the wire.
//
// Grounded on pkg/mcp/types.go + pkg/mcp/server.go's request/response
// envelope and dispatch-by-method-name pattern, generalized per spec.md
// §4.B to length-prefixed binary and newline-delimited JSON transports and
// to Sync/Async/Duplex method kinds.
package rpcfabric

import "encoding/json"

// ID is a request id. A nil ID marks a Notification.
type ID = *uint32

// envelope is the shallow shape every frame is first decoded into — the
// dispatcher reads only this before delegating to method-specific decoding,
// per spec.md §9's "Ad-hoc JSON unions" design note.
type envelope struct {
	ID     *uint32         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the {code, message} shape spec.md §7 puts on the wire.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string { return e.Message }

// Request is an inbound call expecting a reply.
type Request struct {
	ID     uint32
	Method string
	Params json.RawMessage
}

// Notification is an inbound or outbound message with no id and no reply.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Success is an outbound reply carrying a result.
type Success struct {
	ID     uint32
	Result any
}

// ErrorReply is an outbound reply carrying a wire error.
type ErrorReply struct {
	ID    uint32
	Error WireError
}

func newUint32(v uint32) *uint32 { return &v }

func (e envelope) isNotification() bool { return e.ID == nil && e.Method != "" }
func (e envelope) isRequest() bool      { return e.ID != nil && e.Method != "" }
func (e envelope) isResult() bool       { return e.ID != nil && e.Method == "" && e.Error == nil }
func (e envelope) isError() bool        { return e.ID != nil && e.Error != nil }
