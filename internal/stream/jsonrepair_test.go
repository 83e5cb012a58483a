package stream

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"valid", `{"a":1}`, `{"a":1}`},
		{"trailing comma", `{"a":1,}`, `{"a":1}`},
		{"comment", "{\"a\":1 // note\n}", `{"a":1}`},
		{"truncated object", `{"a":{"b":[1,2`, `{"a":{"b":[1,2]}}`},
		{"truncated string", `{"text":"hel`, `{"text":"hel"}`},
		{"dangling colon", `{"a":`, `{"a":null}`},
		{"dangling comma", `[1,2,`, `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Repair([]byte(tt.input))
			if err != nil {
				t.Fatalf("Repair() error = %v", err)
			}
			if !SameJSON(string(got), tt.want) {
				t.Errorf("Repair() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	if _, err := ParseJSON(`{"a":`, false); err == nil {
		t.Error("strict ParseJSON() error = nil, want syntax error")
	}

	res, err := ParseJSON(`{"type":"x","delta":"hi"`, true)
	if err != nil {
		t.Fatalf("tolerant ParseJSON() error = %v", err)
	}
	if got := res.Get("delta").String(); got != "hi" {
		t.Errorf("delta = %q, want hi", got)
	}

	_, err = ParseJSON(`not json at all`, true)
	var syntaxErr *json.SyntaxError
	if err == nil {
		t.Fatal("ParseJSON(garbage) error = nil")
	}
	if !errors.As(err, &syntaxErr) {
		t.Errorf("error = %T, want original *json.SyntaxError", err)
	}
}
