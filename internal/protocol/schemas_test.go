package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	reject := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err == nil {
			t.Fatalf("expected validation failure for %v", v)
		}
	}

	createSchema := compile("create_evaluator.schema.json")
	evaluateSchema := compile("evaluate.schema.json")
	errorSchema := compile("error.schema.json")
	eventSchema := compile("event.schema.json")

	var create any
	_ = json.Unmarshal([]byte(`{
	  "category":"static",
	  "dimension":6,
	  "seed":42,
	  "deterministic":true
	}`), &create)
	validate(createSchema, create)

	var badCreate any
	_ = json.Unmarshal([]byte(`{"category":"static","dimension":5}`), &badCreate)
	reject(createSchema, badCreate)

	var evaluate any
	_ = json.Unmarshal([]byte(`{
	  "solution":{"shape":[3,3],"data":[0,1,0,0,1,0,0,1,0]}
	}`), &evaluate)
	validate(evaluateSchema, evaluate)

	var errBody any
	_ = json.Unmarshal([]byte(`{
	  "code":"E_UNKNOWN_HANDLE",
	  "message":"no evaluator with that id"
	}`), &errBody)
	validate(errorSchema, errBody)

	var badErr any
	_ = json.Unmarshal([]byte(`{"code":"E_NOT_DEFINED","message":"x"}`), &badErr)
	reject(errorSchema, badErr)

	var event any
	_ = json.Unmarshal([]byte(`{
	  "type":"EVENT",
	  "protocol_version":"1.0",
	  "seq":12,
	  "at":"2026-01-05T10:00:00Z",
	  "kind":"fitness_evaluated",
	  "evaluator_id":"c0ffee",
	  "state":"WORLD_READY",
	  "score":96
	}`), &event)
	validate(eventSchema, event)
}
