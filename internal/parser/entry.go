package parser

import (
	"encoding/json"
	"time"
)

// EntryType is the `type` discriminator of a transcript line.
type EntryType string

const (
	TypeSummary   EntryType = "summary"
	TypeUser      EntryType = "user"
	TypeAssistant EntryType = "assistant"
	TypeSystem    EntryType = "system"
)

// Entry is one validated transcript line. The concrete type is
// always one of *SummaryEntry, *UserEntry, *AssistantEntry or
// *SystemEntry; consumers switch over those exhaustively.
type Entry interface {
	Type() EntryType
	// Raw returns the source line exactly as read.
	Raw() string
	entry()
}

// Base holds the fields shared by every non-summary entry.
type Base struct {
	UUID        string  `json:"uuid"`
	ParentUUID  *string `json:"parentUuid"`
	Timestamp   string  `json:"timestamp"`
	IsSidechain bool    `json:"isSidechain"`
	UserType    string  `json:"userType"`
	Cwd         string  `json:"cwd"`
	SessionID   string  `json:"sessionId"`
	Version     string  `json:"version"`

	ts time.Time
}

// Time returns the parsed entry timestamp in UTC.
func (b *Base) Time() time.Time { return b.ts }

// SummaryEntry is an informational line; it never becomes a
// message.
type SummaryEntry struct {
	Summary  string `json:"summary"`
	LeafUUID string `json:"leafUuid"`

	raw string
}

// UserEntry is a user turn, including tool results fed back to
// the model.
type UserEntry struct {
	Base
	Message       UserMessage     `json:"message"`
	IsMeta        bool            `json:"isMeta"`
	ToolUseResult json.RawMessage `json:"toolUseResult,omitempty"`

	raw string
}

// UserMessage is the message payload of a user entry. Content is
// either a JSON string or an array of content blocks.
type UserMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AssistantEntry is a model response.
type AssistantEntry struct {
	Base
	Message           AssistantMessage `json:"message"`
	RequestID         string           `json:"requestId,omitempty"`
	IsAPIErrorMessage bool             `json:"isApiErrorMessage"`

	raw string
}

// AssistantMessage mirrors the API message object.
type AssistantMessage struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model,omitempty"`
	Content      json.RawMessage `json:"content"`
	StopReason   *string         `json:"stop_reason,omitempty"`
	StopSequence *string         `json:"stop_sequence,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
}

// Usage carries token accounting for an assistant message.
type Usage struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	ServiceTier              string `json:"service_tier,omitempty"`
}

// SystemLevel is the optional severity of a system entry.
type SystemLevel string

const (
	LevelInfo    SystemLevel = "info"
	LevelWarning SystemLevel = "warning"
	LevelError   SystemLevel = "error"
	LevelDebug   SystemLevel = "debug"
)

// SystemEntry is a tool-generated notice such as a hook result.
type SystemEntry struct {
	Base
	Content string      `json:"content"`
	Level   SystemLevel `json:"level,omitempty"`
	IsMeta  bool        `json:"isMeta"`

	raw string
}

func (*SummaryEntry) Type() EntryType   { return TypeSummary }
func (*UserEntry) Type() EntryType      { return TypeUser }
func (*AssistantEntry) Type() EntryType { return TypeAssistant }
func (*SystemEntry) Type() EntryType    { return TypeSystem }

func (e *SummaryEntry) Raw() string   { return e.raw }
func (e *UserEntry) Raw() string      { return e.raw }
func (e *AssistantEntry) Raw() string { return e.raw }
func (e *SystemEntry) Raw() string    { return e.raw }

func (*SummaryEntry) entry()   {}
func (*UserEntry) entry()      {}
func (*AssistantEntry) entry() {}
func (*SystemEntry) entry()    {}

// BaseOf returns the shared fields of e, or nil for summary
// entries.
func BaseOf(e Entry) *Base {
	switch v := e.(type) {
	case *UserEntry:
		return &v.Base
	case *AssistantEntry:
		return &v.Base
	case *SystemEntry:
		return &v.Base
	case *SummaryEntry:
		return nil
	default:
		return nil
	}
}

// FirstCwd returns the cwd of the first entry that carries one.
func FirstCwd(entries []Entry) (string, bool) {
	for _, e := range entries {
		if b := BaseOf(e); b != nil && b.Cwd != "" {
			return b.Cwd, true
		}
	}
	return "", false
}

// ParsedLogFile is the parse result for one transcript file.
// Entries may be empty.
type ParsedLogFile struct {
	FilePath    string
	ProjectName string
	SessionID   string
	Entries     []Entry
}
