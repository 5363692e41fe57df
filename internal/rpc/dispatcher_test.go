package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func decodeFrame(t *testing.T, frame string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(frame), &m); err != nil {
		t.Fatalf("frame %q does not decode as object: %v", frame, err)
	}
	return m
}

func encodeRequest(t *testing.T, method string, params ...any) string {
	t.Helper()
	if params == nil {
		params = []any{}
	}
	b, err := json.Marshal(Request{Method: method, Params: params})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return string(b)
}

func TestDispatchEcho(t *testing.T) {
	d := NewDispatcher(nil)
	frame := d.Dispatch(encodeRequest(t, "echo", "hello"))
	m := decodeFrame(t, frame)
	if m["result"] != "hello" {
		t.Fatalf("echo result = %v, want hello", m["result"])
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher(nil)
	frame := d.Dispatch(encodeRequest(t, "no_such_thing"))
	m := decodeFrame(t, frame)
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error variant, got %q", frame)
	}
	if errObj["code"].(float64) != CodeMethodNotFound {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeMethodNotFound)
	}
	if !strings.Contains(errObj["message"].(string), "no_such_thing") {
		t.Fatalf("message %q does not name the method", errObj["message"])
	}

	// The dispatcher must stay usable after an error response.
	frame = d.Dispatch(encodeRequest(t, "echo", float64(7)))
	m = decodeFrame(t, frame)
	if m["result"].(float64) != 7 {
		t.Fatalf("echo after error = %v, want 7", m["result"])
	}
}

func TestDispatchMalformedRequest(t *testing.T) {
	d := NewDispatcher(nil)
	frame := d.Dispatch("{not json")
	m := decodeFrame(t, frame)
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error variant, got %q", frame)
	}
	if errObj["code"].(float64) != CodeBadRequest {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeBadRequest)
	}
	if errObj["data"] == nil {
		t.Fatalf("expected decode detail in data, got %q", frame)
	}
}

func TestDispatchHandlerFailure(t *testing.T) {
	d := NewDispatcher(nil)
	frame := d.Dispatch(encodeRequest(t, "raise"))
	m := decodeFrame(t, frame)
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error variant, got %q", frame)
	}
	if errObj["code"].(float64) != CodeHandlerFailure {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeHandlerFailure)
	}
}

func TestDispatchHandlerPanicBecomesError500(t *testing.T) {
	d := NewDispatcher(map[string]Handler{
		"explode": func(params []any) (any, error) { panic("boom") },
	})
	frame := d.Dispatch(encodeRequest(t, "explode"))
	m := decodeFrame(t, frame)
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error variant, got %q", frame)
	}
	if errObj["code"].(float64) != CodeHandlerFailure {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeHandlerFailure)
	}
	if !strings.Contains(fmt.Sprint(errObj["data"]), "boom") {
		t.Fatalf("data %v does not carry panic detail", errObj["data"])
	}
}

func TestDispatchNilResultEncodesAsEmptyArray(t *testing.T) {
	d := NewDispatcher(nil)
	frame := d.Dispatch(encodeRequest(t, "empty_result"))
	if frame != "[]" {
		t.Fatalf("nil-result frame = %q, want []", frame)
	}
}

func TestDispatchEmptyMapWithoutSentinelBecomesArray(t *testing.T) {
	d := NewDispatcher(map[string]Handler{
		"bare_map": func(params []any) (any, error) {
			// Deliberately not MapResult: documents the quirk.
			return map[string]any{}, nil
		},
	})
	frame := d.Dispatch(encodeRequest(t, "bare_map"))
	m := decodeFrame(t, frame)
	if _, isArray := m["result"].([]any); !isArray {
		t.Fatalf("empty map without sentinel should encode as array, got %q", frame)
	}
}

func TestDispatchEmptyMapResultKeepsSentinel(t *testing.T) {
	d := NewDispatcher(map[string]Handler{
		"contents": func(params []any) (any, error) {
			return MapResult{}, nil
		},
	})
	frame := d.Dispatch(encodeRequest(t, "contents"))
	m := decodeFrame(t, frame)
	obj, isObj := m["result"].(map[string]any)
	if !isObj {
		t.Fatalf("sentinel-carrying map should stay an object, got %q", frame)
	}
	if obj[Sentinel] != true {
		t.Fatalf("missing sentinel in %q", frame)
	}
}

func TestDispatchStructResultHasNoSentinel(t *testing.T) {
	type desc struct {
		Name string `json:"name"`
	}
	d := NewDispatcher(map[string]Handler{
		"lookup": func(params []any) (any, error) { return desc{Name: "chest"}, nil },
	})
	frame := d.Dispatch(encodeRequest(t, "lookup"))
	m := decodeFrame(t, frame)
	obj := m["result"].(map[string]any)
	if _, has := obj[Sentinel]; has {
		t.Fatalf("struct result must not carry the sentinel: %q", frame)
	}
	if obj["name"] != "chest" {
		t.Fatalf("result = %v", obj)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate handler name")
		}
	}()
	NewDispatcher(map[string]Handler{"echo": func(params []any) (any, error) { return nil, nil }})
}
