// Package assistant relays chat prompts to an external assistant
// command and streams its output back.
package assistant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/logging"
)

// ErrNoCommand is returned when no assistant command is
// configured.
var ErrNoCommand = errors.New("no assistant command configured")

// Stream names the output stream a chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one line of assistant output.
type Chunk struct {
	Stream Stream `json:"stream"`
	Line   string `json:"line"`
}

// ChunkFunc receives output as it is produced.
type ChunkFunc func(Chunk)

// Service answers a prompt. onChunk may be nil.
type Service interface {
	Ask(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error)
}

// CommandService runs a command per prompt, writing the prompt to
// its stdin. Each stdout line is streamed as a chunk.
type CommandService struct {
	path  string
	args  []string
	extra []string
	log   *zap.Logger
}

var _ Service = (*CommandService)(nil)

// NewCommandService parses command with shell quoting rules and
// resolves its executable. extraEnv entries (KEY=value) are passed
// to the command in addition to the allowlisted environment.
func NewCommandService(
	command string, extraEnv []string, log *zap.Logger,
) (*CommandService, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parsing assistant command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", argv[0], err)
	}
	return &CommandService{
		path:  path,
		args:  argv[1:],
		extra: extraEnv,
		log:   logging.OrNop(log),
	}, nil
}

// Ask runs the command with prompt on stdin. The response is the
// result of a stream-json transcript when the command emits one,
// and otherwise its stdout lines joined with newlines.
func (s *CommandService) Ask(
	ctx context.Context, prompt string, onChunk ChunkFunc,
) (string, error) {
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Env = append(cleanEnv(), s.extra...)
	cmd.Stdin = strings.NewReader(prompt)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", s.path, err)
	}
	s.log.Debug("assistant started",
		zap.String("command", s.path), zap.Int("prompt_bytes", len(prompt)))

	onChunk = serialized(onChunk)
	stderrDone := collectStreamLines(stderrPipe, Stderr, onChunk)
	stdoutDone := collectStreamLines(stdoutPipe, Stdout, onChunk)
	stdoutLines := <-stdoutDone
	stderrText := strings.Join(<-stderrDone, "\n")
	runErr := cmd.Wait()

	if runErr != nil && ctx.Err() != nil {
		return "", fmt.Errorf("assistant cancelled: %w", ctx.Err())
	}
	if runErr != nil {
		return "", fmt.Errorf(
			"assistant command failed: %w\nstderr: %s",
			runErr, stderrText,
		)
	}

	resp, err := extractResponse(stdoutLines)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp) == "" {
		return "", fmt.Errorf(
			"assistant returned empty response\nstderr: %s", stderrText,
		)
	}
	return resp, nil
}

// allowedKeyPrefixes lists uppercase environment keys passed to
// the assistant command. Entries ending in _ are prefixes.
var allowedKeyPrefixes = []string{
	"PATH",
	"HOME", "USERPROFILE",
	"USER", "USERNAME", "LOGNAME",
	"LANG", "LC_",
	"TERM", "COLORTERM",
	"TMPDIR", "TEMP", "TMP",
	"XDG_",
	"SHELL",
	"SSL_CERT_", "CURL_CA_BUNDLE",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "WINDIR",
	"APPDATA", "LOCALAPPDATA",
}

func envKeyAllowed(key string) bool {
	upper := strings.ToUpper(key)
	for _, p := range allowedKeyPrefixes {
		if strings.HasSuffix(p, "_") {
			if strings.HasPrefix(upper, p) {
				return true
			}
		} else if upper == p {
			return true
		}
	}
	return false
}

// cleanEnv returns the allowlisted subset of the current
// environment.
func cleanEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, e := range env {
		k, _, _ := strings.Cut(e, "=")
		if envKeyAllowed(k) {
			out = append(out, e)
		}
	}
	return append(out, "CLAUDE_NO_SOUND=1")
}

// serialized wraps fn so stdout and stderr readers never call it
// concurrently.
func serialized(fn ChunkFunc) ChunkFunc {
	if fn == nil {
		return nil
	}
	var mu sync.Mutex
	return func(c Chunk) {
		mu.Lock()
		defer mu.Unlock()
		fn(c)
	}
}

// collectStreamLines reads r to EOF, forwarding each non-empty
// line to onChunk, and sends all lines on the returned channel.
func collectStreamLines(
	r io.Reader, stream Stream, onChunk ChunkFunc,
) <-chan []string {
	ch := make(chan []string, 1)
	go func() {
		defer close(ch)
		br := bufio.NewReader(r)
		var lines []string
		for {
			line, err := br.ReadString('\n')
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed != "" {
				lines = append(lines, trimmed)
				if onChunk != nil {
					onChunk(Chunk{Stream: stream, Line: trimmed})
				}
			}
			if err == nil {
				continue
			}
			if err != io.EOF {
				if onChunk != nil {
					onChunk(Chunk{
						Stream: Stderr,
						Line:   fmt.Sprintf("read %s: %v", stream, err),
					})
				}
				_, _ = io.Copy(io.Discard, br)
			}
			break
		}
		ch <- lines
	}()
	return ch
}

// extractResponse reads lines as a stream-json transcript when
// every line is a typed JSON event: the last result event wins,
// else assistant messages are joined. Any other output is
// returned as plain text.
func extractResponse(lines []string) (string, error) {
	var (
		result    string
		assistant []string
	)
	for _, l := range lines {
		ev := gjson.Parse(l)
		if !gjson.Valid(l) || ev.Get("type").Type != gjson.String {
			return strings.Join(lines, "\n"), nil
		}
		switch ev.Get("type").Str {
		case "error":
			msg := ev.Get("error.message").Str
			if msg == "" {
				msg = "stream error"
			}
			return "", fmt.Errorf("assistant: %s", msg)
		case "result":
			if r := ev.Get("result").Str; r != "" {
				result = r
			}
		case "message":
			if ev.Get("role").Str == "assistant" && ev.Get("content").Str != "" {
				assistant = append(assistant, ev.Get("content").Str)
			}
		case "assistant":
			assistant = append(assistant, messageText(ev.Get("message.content"))...)
		}
	}
	if result != "" {
		return result, nil
	}
	return strings.Join(assistant, "\n"), nil
}

// messageText returns the text of a content value that is either
// a string or an array of content blocks.
func messageText(c gjson.Result) []string {
	if c.Type == gjson.String {
		if c.Str == "" {
			return nil
		}
		return []string{c.Str}
	}
	var out []string
	for _, b := range c.Array() {
		if b.Get("type").Str == "text" && b.Get("text").Str != "" {
			out = append(out, b.Get("text").Str)
		}
	}
	return out
}
