package rpc

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Handler executes one bridge method. Params arrive positionally, already
// decoded from JSON (maps, slices, float64, string, bool, nil). A handler
// error becomes an error-500 response with the error text attached as data.
type Handler func(params []any) (any, error)

// Dispatcher routes decoded requests to registered handlers. It mirrors the
// dispatch loop of the in-engine Lua mod: the handler table is fixed at
// construction, and every request produces exactly one well-formed response
// frame no matter what fails along the way.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher builds a dispatcher over the given handler table. The
// diagnostic probes (echo, raise, empty_result) are always present and may
// not be overridden; registering a duplicate name panics so registration
// typos surface at construction, not at call time.
func NewDispatcher(handlers map[string]Handler) *Dispatcher {
	table := map[string]Handler{
		"echo": func(params []any) (any, error) {
			if len(params) == 0 {
				return nil, nil
			}
			return params[0], nil
		},
		"raise": func(params []any) (any, error) {
			return nil, fmt.Errorf("raise probe invoked")
		},
		"empty_result": func(params []any) (any, error) {
			return nil, nil
		},
	}
	for name, h := range handlers {
		if _, dup := table[name]; dup {
			panic(fmt.Sprintf("rpc: duplicate handler %q", name))
		}
		if h == nil {
			panic(fmt.Sprintf("rpc: nil handler %q", name))
		}
		table[name] = h
	}
	return &Dispatcher{handlers: table}
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch turns one request string into one response string. It never
// returns garbage: if anything fails while producing the structured
// response, the outer guard still emits a well-formed error-500 frame.
func (d *Dispatcher) Dispatch(request string) string {
	resp, err := encodeResponse(d.dispatch(request))
	if err != nil {
		// Encoding the real response failed. Fall back to a response that
		// cannot fail to encode.
		fallback := map[string]any{
			"error": map[string]any{
				"code":    CodeHandlerFailure,
				"message": "failed to encode response",
				"data":    err.Error(),
			},
		}
		b, _ := json.Marshal(fallback)
		return string(b)
	}
	return resp
}

// dispatch produces the response value; encoding happens in the caller so
// the outer guard can catch encode failures too.
func (d *Dispatcher) dispatch(request string) map[string]any {
	var req Request
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		return errorResponse(CodeBadRequest, "malformed request", err.Error())
	}
	handler, ok := d.handlers[req.Method]
	if !ok {
		return errorResponse(CodeMethodNotFound, fmt.Sprintf("no such method: %s", req.Method), nil)
	}
	result, err := safeInvoke(handler, req.Params)
	if err != nil {
		return errorResponse(CodeHandlerFailure, fmt.Sprintf("%s failed", req.Method), err.Error())
	}
	if m, ok := result.(MapResult); ok {
		withSentinel := map[string]any{Sentinel: true}
		for k, v := range m {
			withSentinel[k] = v
		}
		result = withSentinel
	}
	resp := map[string]any{}
	if result != nil {
		resp["result"] = result
	}
	return resp
}

// safeInvoke converts a handler panic into a handler error so a buggy
// handler still yields an error-500 response instead of tearing down the
// event loop.
func safeInvoke(h Handler, params []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(params)
}

func errorResponse(code int, message string, data any) map[string]any {
	e := map[string]any{"code": code, "message": message}
	if data != nil {
		e["data"] = data
	}
	return map[string]any{"error": e}
}

// encodeResponse marshals the response after normalizing empty maps to
// empty slices, reproducing the Lua encoder's treatment of empty tables.
// The response table itself is included: a nil-result success encodes as
// "[]".
func encodeResponse(resp map[string]any) (string, error) {
	b, err := json.Marshal(normalizeEmpty(resp))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalizeEmpty rewrites every empty map in the value tree into an empty
// slice. Non-empty maps and everything else pass through with their
// children normalized.
func normalizeEmpty(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return []any{}
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalizeEmpty(child)
		}
		return out
	case MapResult:
		return normalizeEmpty(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = normalizeEmpty(child)
		}
		return out
	default:
		return marshalNormalized(v)
	}
}

// marshalNormalized handles typed values (structs, typed maps) by taking
// them through JSON once so the empty-map rewrite sees plain maps and
// slices.
func marshalNormalized(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		// Let the outer encode report the failure with full context.
		return v
	}
	var plain any
	if err := json.Unmarshal(b, &plain); err != nil {
		return v
	}
	return normalizeEmpty(plain)
}
