package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/assistant"
)

type askFlags struct {
	sessionID   string
	maxMessages int
	stream      bool
}

func (f *askFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.sessionID, "session", "",
		"Include this session's transcript as context")
	fs.IntVar(&f.maxMessages, "context", assistant.DefaultContextMessages,
		"Most recent session messages included")
	fs.BoolVar(&f.stream, "stream", false,
		"Print output lines as they arrive")
}

func runAsk(args []string) int {
	var af askFlags
	fs, cfg, l, code := setup("ask", args, af.register)
	if fs == nil {
		return code
	}
	defer func() { _ = l.Sync() }()

	question, err := readQuestion(fs.Args(), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ccrelay ask: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	req := assistant.PromptRequest{
		Question:    question,
		SessionID:   af.sessionID,
		MaxMessages: af.maxMessages,
	}
	var prompt string
	if req.SessionID == "" {
		prompt, err = assistant.BuildPrompt(ctx, nil, nil, req)
	} else {
		database, derr := openDB(cfg, l)
		if derr != nil {
			l.Error("cannot load session", zap.Error(derr))
			return exitRuntime
		}
		prompt, err = assistant.BuildPrompt(ctx,
			database.Sessions(), database.Messages(), req)
		database.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ccrelay ask: %v\n", err)
		return exitUsage
	}

	svc, err := assistant.NewCommandService(cfg.AssistantCommand, nil, l)
	if err != nil {
		l.Error("assistant unavailable", zap.Error(err))
		return exitRuntime
	}

	resp, err := svc.Ask(ctx, prompt, chunkPrinter(os.Stdout, af.stream, l))
	if err != nil {
		l.Error("assistant failed", zap.Error(err))
		return exitFailed
	}
	if !af.stream {
		fmt.Fprintln(os.Stdout, resp)
	}
	return exitOK
}

// readQuestion joins args, or reads stdin when args is empty or
// a single "-".
func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading question: %w", err)
	}
	q := strings.TrimSpace(string(data))
	if q == "" {
		return "", fmt.Errorf("no question given")
	}
	return q, nil
}

// chunkPrinter echoes stdout lines when streaming. Stderr lines
// go to the debug log.
func chunkPrinter(
	stdout io.Writer, stream bool, l *zap.Logger,
) assistant.ChunkFunc {
	return func(c assistant.Chunk) {
		switch {
		case c.Stream == assistant.Stderr:
			l.Debug("assistant stderr", zap.String("line", c.Line))
		case stream:
			fmt.Fprintln(stdout, c.Line)
		}
	}
}
