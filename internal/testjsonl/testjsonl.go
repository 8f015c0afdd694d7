// Package testjsonl provides JSONL fixture builders for the
// transcript entry shapes. Used by the parser and sync test
// packages.
package testjsonl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Base describes the shared fields of a non-summary entry.
// Empty fields are omitted from the output.
type Base struct {
	UUID       string
	ParentUUID string
	Timestamp  string
	SessionID  string
	Cwd        string
	Version    string
}

func (b Base) fields(typ string) map[string]any {
	m := map[string]any{
		"type":        typ,
		"isSidechain": false,
		"userType":    "external",
	}
	if b.UUID != "" {
		m["uuid"] = b.UUID
	}
	if b.ParentUUID != "" {
		m["parentUuid"] = b.ParentUUID
	} else {
		m["parentUuid"] = nil
	}
	if b.Timestamp != "" {
		m["timestamp"] = b.Timestamp
	}
	if b.SessionID != "" {
		m["sessionId"] = b.SessionID
	}
	if b.Cwd != "" {
		m["cwd"] = b.Cwd
	}
	if b.Version != "" {
		m["version"] = b.Version
	}
	return m
}

// SummaryJSON returns a summary entry as a JSON string.
func SummaryJSON(summary, leafUUID string) string {
	return mustMarshal(map[string]any{
		"type":     "summary",
		"summary":  summary,
		"leafUuid": leafUUID,
	})
}

// UserJSON returns a user entry whose content is a plain string.
func UserJSON(b Base, content string) string {
	m := b.fields("user")
	m["message"] = map[string]any{
		"role":    "user",
		"content": content,
	}
	return mustMarshal(m)
}

// UserBlocksJSON returns a user entry with array content, such
// as tool results.
func UserBlocksJSON(b Base, blocks []map[string]any) string {
	m := b.fields("user")
	m["message"] = map[string]any{
		"role":    "user",
		"content": blocks,
	}
	return mustMarshal(m)
}

// UserNoRoleJSON returns a user entry whose message lacks a
// role.
func UserNoRoleJSON(b Base, content string) string {
	m := b.fields("user")
	m["message"] = map[string]any{"content": content}
	return mustMarshal(m)
}

// AssistantJSON returns an assistant entry with one text block.
func AssistantJSON(b Base, text string) string {
	return AssistantBlocksJSON(b, []map[string]any{
		{"type": "text", "text": text},
	})
}

// AssistantBlocksJSON returns an assistant entry with the given
// content blocks.
func AssistantBlocksJSON(
	b Base, blocks []map[string]any,
) string {
	m := b.fields("assistant")
	m["requestId"] = "req_" + b.UUID
	m["message"] = map[string]any{
		"id":            "msg_" + b.UUID,
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-sonnet-4-20250514",
		"content":       blocks,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  12,
			"output_tokens": 34,
		},
	}
	return mustMarshal(m)
}

// SystemJSON returns a system entry. level may be empty.
func SystemJSON(b Base, content, level string) string {
	m := b.fields("system")
	m["content"] = content
	if level != "" {
		m["level"] = level
	}
	return mustMarshal(m)
}

// JoinJSONL joins lines with newlines and appends a trailing
// newline.
func JoinJSONL(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

// WriteSession writes lines to <root>/<project>/<sessionID>.jsonl
// and returns the file path. It panics on I/O failure.
func WriteSession(
	root, project, sessionID string, lines ...string,
) string {
	dir := filepath.Join(root, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	content := ""
	if len(lines) > 0 {
		content = JoinJSONL(lines...)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		panic(err)
	}
	return path
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
