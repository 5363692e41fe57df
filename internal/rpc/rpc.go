// Package rpc implements both sides of the console bridge protocol: the
// caller-side client that frames requests toward an engine subprocess, and
// the callee-side dispatcher whose semantics mirror the Lua mod running
// inside the engine.
//
// A request is a JSON object {method, params}. A response carries either
// {result} or {error:{code, message, data}}. The engine's embedded Lua
// runtime cannot tell an empty table-as-map from an empty table-as-array,
// so the protocol carries two compensating rules:
//
//   - every empty object literal on the callee side encodes as [] (this is
//     what Lua's JSON encoder does; the Go dispatcher reproduces it so both
//     sides of the bridge agree), and
//   - a handler whose result is a possibly-empty mapping wraps it in
//     MapResult, which injects the sentinel key before encoding. The client
//     strips the sentinel after decoding and turns a bare [] back into an
//     empty map when the caller asked for one.
//
// A successful call with a nil result therefore arrives as the frame "[]":
// the response table {result=nil} is the empty table.
package rpc

import "fmt"

// Reserved error codes.
const (
	CodeBadRequest      = 400 // request string did not decode
	CodeMethodNotFound  = 404 // no handler registered for the method
	CodeHandlerFailure  = 500 // handler raised, or dispatch itself failed
)

// Sentinel is the key injected into encoded mapping results so the client
// can reconstruct "this was a map" after decoding.
const Sentinel = "__map"

// Request is one bridge call. Params are positional.
type Request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Error is the error variant of a response, preserved verbatim across the
// bridge.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError reports a response frame that does not conform to the
// protocol. It is fatal to the in-flight call; the owning session is
// expected to treat it as unrecoverable.
type ProtocolError struct {
	Detail string
	Frame  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s in frame %q", e.Detail, e.Frame)
}

// MapResult marks a handler result as a string-keyed mapping that may be
// empty. The dispatcher injects the sentinel key into it so the encoding
// survives the empty-table ambiguity.
type MapResult map[string]any
