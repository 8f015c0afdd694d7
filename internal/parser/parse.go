package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/logging"
	"github.com/wesm/ccrelay/internal/timeutil"
)

const (
	initialScanBufSize = 64 * 1024        // 64KB
	maxScanTokenSize   = 20 * 1024 * 1024 // 20MB
)

var (
	// ErrInvalidJSON marks a line that is not valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrSchema marks a JSON line that does not match any entry
	// shape.
	ErrSchema = errors.New("schema mismatch")
	// ErrUnrecognizedPath is returned by ParseFile when the path
	// does not follow the <project>/<session>.jsonl layout.
	ErrUnrecognizedPath = errors.New("unrecognized log file path")
)

// LineError describes one rejected line. Line is 1-based.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e LineError) Unwrap() error { return e.Err }

// ParseLine validates a single JSON line against the entry union.
func ParseLine(line string) (Entry, error) {
	if !gjson.Valid(line) {
		return nil, ErrInvalidJSON
	}
	root := gjson.Parse(line)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrSchema)
	}

	typ := root.Get("type")
	if typ.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrSchema)
	}

	switch EntryType(typ.Str) {
	case TypeSummary:
		return parseSummary(line, root)
	case TypeUser:
		return parseUser(line, root)
	case TypeAssistant:
		return parseAssistant(line, root)
	case TypeSystem:
		return parseSystem(line, root)
	default:
		return nil, fmt.Errorf(
			"%w: unknown type %q", ErrSchema, typ.Str,
		)
	}
}

// ParseJSONLines parses newline-delimited JSON. Blank lines are
// ignored; invalid lines are dropped and reported in the second
// return value. Entries keep input order.
func ParseJSONLines(content string) ([]Entry, []LineError) {
	var (
		entries []Entry
		rejects []LineError
	)
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			rejects = append(rejects, LineError{Line: i + 1, Err: err})
			continue
		}
		entries = append(entries, e)
	}
	return entries, rejects
}

func decode(line string, v any) error {
	if err := json.Unmarshal([]byte(line), v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

func parseSummary(line string, root gjson.Result) (Entry, error) {
	if root.Get("summary").Type != gjson.String {
		return nil, fmt.Errorf("%w: summary must be a string", ErrSchema)
	}
	var e SummaryEntry
	if err := decode(line, &e); err != nil {
		return nil, err
	}
	e.raw = line
	return &e, nil
}

func parseUser(line string, root gjson.Result) (Entry, error) {
	msg := root.Get("message")
	if !msg.IsObject() {
		return nil, fmt.Errorf("%w: user entry without message", ErrSchema)
	}
	content := msg.Get("content")
	if content.Type != gjson.String && !content.IsArray() {
		return nil, fmt.Errorf(
			"%w: user content must be a string or array", ErrSchema,
		)
	}
	var e UserEntry
	if err := decode(line, &e); err != nil {
		return nil, err
	}
	if err := e.Base.validate(); err != nil {
		return nil, err
	}
	e.raw = line
	return &e, nil
}

func parseAssistant(line string, root gjson.Result) (Entry, error) {
	msg := root.Get("message")
	if !msg.IsObject() {
		return nil, fmt.Errorf(
			"%w: assistant entry without message", ErrSchema,
		)
	}
	if !msg.Get("content").IsArray() {
		return nil, fmt.Errorf(
			"%w: assistant content must be an array", ErrSchema,
		)
	}
	var e AssistantEntry
	if err := decode(line, &e); err != nil {
		return nil, err
	}
	if err := e.Base.validate(); err != nil {
		return nil, err
	}
	e.raw = line
	return &e, nil
}

func parseSystem(line string, root gjson.Result) (Entry, error) {
	if root.Get("content").Type != gjson.String {
		return nil, fmt.Errorf(
			"%w: system content must be a string", ErrSchema,
		)
	}
	var e SystemEntry
	if err := decode(line, &e); err != nil {
		return nil, err
	}
	switch e.Level {
	case "", LevelInfo, LevelWarning, LevelError, LevelDebug:
	default:
		return nil, fmt.Errorf(
			"%w: unknown system level %q", ErrSchema, e.Level,
		)
	}
	if err := e.Base.validate(); err != nil {
		return nil, err
	}
	e.raw = line
	return &e, nil
}

func (b *Base) validate() error {
	if b.UUID == "" {
		return fmt.Errorf("%w: missing uuid", ErrSchema)
	}
	if b.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrSchema)
	}
	ts, ok := timeutil.Parse(b.Timestamp)
	if !ok {
		return fmt.Errorf(
			"%w: bad timestamp %q", ErrSchema, b.Timestamp,
		)
	}
	b.ts = ts
	return nil
}

// Parser reads transcript files and logs every rejected line as
// a warning.
type Parser struct {
	log        *zap.Logger
	maxLineLen int
}

// New returns a Parser. A nil logger discards warnings.
func New(log *zap.Logger) *Parser {
	return &Parser{
		log:        logging.OrNop(log),
		maxLineLen: maxScanTokenSize,
	}
}

// ParseJSONLines is the logging form of the package-level
// ParseJSONLines.
func (p *Parser) ParseJSONLines(content string) []Entry {
	entries, rejects := ParseJSONLines(content)
	for _, r := range rejects {
		p.log.Warn("skipping log line",
			zap.Int("line", r.Line), zap.Error(r.Err))
	}
	return entries
}

// ExtractProjectName implements the package function for callers
// holding a Parser.
func (p *Parser) ExtractProjectName(path string) (string, bool) {
	return ExtractProjectName(path)
}

// ExtractSessionID implements the package function for callers
// holding a Parser.
func (p *Parser) ExtractSessionID(path string) (string, bool) {
	return ExtractSessionID(path)
}

// ParseFile streams a transcript file. Only I/O failures and
// unrecognized paths are errors; bad lines are skipped.
func (p *Parser) ParseFile(path string) (ParsedLogFile, error) {
	project, ok := ExtractProjectName(path)
	if !ok {
		return ParsedLogFile{}, fmt.Errorf("%w: %s", ErrUnrecognizedPath, path)
	}
	sessionID, ok := ExtractSessionID(path)
	if !ok {
		return ParsedLogFile{}, fmt.Errorf("%w: %s", ErrUnrecognizedPath, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return ParsedLogFile{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	out := ParsedLogFile{
		FilePath:    path,
		ProjectName: project,
		SessionID:   sessionID,
	}

	lr := newLineReader(f, p.maxLineLen)
	lr.onOversized = func(n int) {
		p.log.Warn("skipping oversized log line",
			zap.String("path", path), zap.Int("line", n),
			zap.Int("max_bytes", p.maxLineLen))
	}
	for {
		line, n, ok := lr.next()
		if !ok {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			p.log.Warn("skipping log line",
				zap.String("path", path), zap.Int("line", n),
				zap.Error(err))
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	if err := lr.Err(); err != nil {
		return ParsedLogFile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}
