package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Transport executes one console command against an engine subprocess and
// returns its printed output. Implementations must not allow a second
// command to start before the previous one has returned; the callee side is
// a single-threaded event loop with no pipelining.
type Transport interface {
	Exec(ctx context.Context, command string) (string, error)
}

// Interface is the remote interface name the in-engine mod registers its
// dispatch entry point under.
const Interface = "beltlab"

// Client frames requests for the in-engine dispatcher and decodes its
// responses, applying the reconciling rules for the empty-table quirk.
type Client struct {
	tr Transport
}

func NewClient(tr Transport) *Client {
	return &Client{tr: tr}
}

// Command returns the console command that carries one encoded request to
// the in-engine dispatcher.
func Command(encodedRequest string) string {
	return fmt.Sprintf("/silent-command rcon.print(remote.call('%s', 'call', '%s'))", Interface, encodedRequest)
}

// Call performs one bridge round trip. A non-nil out receives the decoded
// result; pass nil to discard it. An error-variant response surfaces as
// *Error with code, message and data preserved verbatim. A frame that is
// neither variant surfaces as *ProtocolError.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	encoded, err := json.Marshal(Request{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode request %s: %w", method, err)
	}
	// The request rides inside single quotes in the console command. The
	// values we send never need these characters; refuse rather than send a
	// command that would splice.
	if strings.ContainsAny(string(encoded), `'\`) {
		return fmt.Errorf("encode request %s: quote or backslash in encoded request", method)
	}
	frame, err := c.tr.Exec(ctx, Command(string(encoded)))
	if err != nil {
		return err
	}
	return DecodeResult(frame, out)
}

// DecodeResult decodes one response frame into out, applying the sentinel
// strip and the empty-array-to-empty-map reconciliation.
func DecodeResult(frame string, out any) error {
	trimmed := strings.TrimSpace(frame)
	if trimmed == "" {
		return &ProtocolError{Detail: "empty response", Frame: frame}
	}
	// {result=nil} is the empty table on the callee side, which its encoder
	// emits as [].
	if trimmed == "[]" {
		if out == nil {
			return nil
		}
		return assignEmpty(out, frame)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return &ProtocolError{Detail: "undecodable response", Frame: frame}
	}
	if rawErr, ok := fields["error"]; ok {
		var rpcErr Error
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return &ProtocolError{Detail: "undecodable error variant", Frame: frame}
		}
		return &rpcErr
	}
	rawResult, ok := fields["result"]
	if !ok {
		if len(fields) != 0 {
			return &ProtocolError{Detail: "response is neither variant", Frame: frame}
		}
		rawResult = json.RawMessage("null")
	}
	if out == nil {
		return nil
	}
	return decodeInto(rawResult, out, frame)
}

func decodeInto(raw json.RawMessage, out any, frame string) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "[]" && mapTarget(out) {
		return assignEmpty(out, frame)
	}
	if strings.HasPrefix(trimmed, "{") {
		stripped, err := stripSentinel(raw)
		if err != nil {
			return &ProtocolError{Detail: "undecodable result", Frame: frame}
		}
		raw = stripped
		// Decoding replaces the previous value; Unmarshal alone would merge
		// into an existing map.
		if mapTarget(out) {
			rv := reflect.ValueOf(out).Elem()
			rv.Set(reflect.MakeMap(rv.Type()))
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Detail: fmt.Sprintf("result does not decode: %v", err), Frame: frame}
	}
	return nil
}

// stripSentinel removes the sentinel key from an object result. Nested
// mappings keep theirs; only the value the caller directly receives is
// reconciled, matching what the handlers inject.
func stripSentinel(raw json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if _, ok := obj[Sentinel]; !ok {
		return raw, nil
	}
	delete(obj, Sentinel)
	return json.Marshal(obj)
}

// mapTarget reports whether out points at a map.
func mapTarget(out any) bool {
	rv := reflect.ValueOf(out)
	return rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Map
}

// assignEmpty sets a map target to a fresh empty map; any other target
// cannot absorb an empty-table result.
func assignEmpty(out any, frame string) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer {
		return &ProtocolError{Detail: "result target is not a pointer", Frame: frame}
	}
	elem := rv.Elem()
	switch elem.Kind() {
	case reflect.Map:
		elem.Set(reflect.MakeMap(elem.Type()))
		return nil
	case reflect.Slice:
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	case reflect.Pointer, reflect.Interface:
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	default:
		return &ProtocolError{Detail: "empty-table result for scalar target", Frame: frame}
	}
}
