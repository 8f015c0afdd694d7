package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/wesm/ccrelay/internal/db"
)

const (
	// DefaultContextMessages is how many trailing messages of a
	// session go into a prompt when the request leaves it unset.
	DefaultContextMessages = 50
	maxMessageRunes        = 2000
)

// SessionFinder looks up a session by id.
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (db.Session, error)
}

// MessageLister pages through stored messages.
type MessageLister interface {
	List(ctx context.Context, f db.MessageFilter) ([]db.Message, error)
	Count(ctx context.Context, f db.MessageFilter) (int, error)
}

// PromptRequest describes a question, optionally asked about an
// ingested session.
type PromptRequest struct {
	Question  string
	SessionID string
	// MaxMessages caps the transcript included. Zero means
	// DefaultContextMessages.
	MaxMessages int
}

// BuildPrompt assembles the prompt sent to the assistant. With a
// session id, the session's most recent messages are included as
// context ahead of the question.
func BuildPrompt(
	ctx context.Context,
	sessions SessionFinder,
	messages MessageLister,
	req PromptRequest,
) (string, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return "", fmt.Errorf("empty question")
	}
	if req.SessionID == "" {
		return question + "\n", nil
	}

	s, err := sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("looking up session: %w", err)
	}

	limit := req.MaxMessages
	if limit <= 0 {
		limit = DefaultContextMessages
	}
	limit = min(limit, db.MaxListLimit)
	filter := db.MessageFilter{SessionID: s.ID}
	total, err := messages.Count(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("counting messages: %w", err)
	}
	filter.Limit = limit
	filter.Offset = max(total-limit, 0)
	msgs, err := messages.List(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("querying messages: %w", err)
	}

	var b strings.Builder
	b.WriteString(
		"You are answering a question about a recorded " +
			"Claude Code session. Use the transcript below " +
			"as context and answer concisely in markdown.\n",
	)
	b.WriteString("\n## Session\n\n")
	fmt.Fprintf(&b, "- ID: %s\n", s.ID)
	fmt.Fprintf(&b, "- Working directory: %s\n", s.Cwd)
	if s.CLIVersion != nil {
		fmt.Fprintf(&b, "- CLI version: %s\n", *s.CLIVersion)
	}
	if s.LastMessageAt != nil {
		fmt.Fprintf(&b, "- Last message: %s\n", *s.LastMessageAt)
	}
	fmt.Fprintf(&b, "- Messages: %d\n", total)

	b.WriteString("\n## Transcript\n\n")
	if len(msgs) == 0 {
		b.WriteString("No messages recorded for this session.\n")
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&b,
			"(Showing the last %d of %d messages)\n\n",
			len(msgs), total)
	}
	for _, m := range msgs {
		content := ""
		if m.Content != nil {
			content = truncateString(*m.Content, maxMessageRunes)
		}
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", m.Role, m.Timestamp, content)
	}

	b.WriteString("## Question\n\n")
	b.WriteString(question)
	b.WriteString("\n")
	return b.String(), nil
}

func truncateString(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
