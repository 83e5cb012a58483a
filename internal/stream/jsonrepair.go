package stream

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
)

var errUnrepairable = errors.New("json could not be repaired")

// ParseJSON parses a frame payload. In repair mode malformed payloads are
// passed through Repair first; the original syntax error is returned when
// that fails too.
func ParseJSON(data string, repair bool) (gjson.Result, error) {
	if gjson.Valid(data) {
		return gjson.Parse(data), nil
	}
	var raw json.RawMessage
	origErr := json.Unmarshal([]byte(data), &raw)
	if origErr == nil {
		return gjson.Parse(data), nil
	}
	if !repair {
		return gjson.Result{}, origErr
	}
	fixed, err := Repair([]byte(data))
	if err != nil {
		return gjson.Result{}, origErr
	}
	return gjson.ParseBytes(fixed), nil
}

// Repair turns near-JSON into valid JSON: comments and trailing commas are
// stripped, then a truncated tail is closed.
func Repair(data []byte) ([]byte, error) {
	if json.Valid(data) {
		return data, nil
	}
	cleaned := jsonc.ToJSON(data)
	if json.Valid(cleaned) {
		return cleaned, nil
	}
	closed := closeTruncated(cleaned)
	if json.Valid(closed) {
		return closed, nil
	}
	return nil, errUnrepairable
}

// closeTruncated closes an unterminated string and any open arrays or
// objects at the end of data.
func closeTruncated(data []byte) []byte {
	var stack []byte
	inString, escaped := false, false
	for _, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	out := bytes.Clone(data)
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out = append(out, '"')
	}
	out = bytes.TrimRight(out, " \t\r\n")
	switch {
	case bytes.HasSuffix(out, []byte(",")):
		out = out[:len(out)-1]
	case bytes.HasSuffix(out, []byte(":")):
		out = append(out, "null"...)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}
	return out
}
