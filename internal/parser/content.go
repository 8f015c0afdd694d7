package parser

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// StringifyContent turns a message content value into the text
// stored on a message row. Strings pass through, arrays and
// objects are compacted JSON, and null or absent content is nil.
func StringifyContent(raw json.RawMessage) *string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.Null:
		return nil
	case r.Type == gjson.String:
		s := r.Str
		return &s
	case r.IsArray(), r.IsObject():
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			s := r.Raw
			return &s
		}
		s := buf.String()
		return &s
	default:
		s := r.Raw
		return &s
	}
}
