package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/config"
	"github.com/wesm/ccrelay/internal/db"
	"github.com/wesm/ccrelay/internal/logging"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

// Exit codes shared by the subcommands.
const (
	exitOK      = 0
	exitFailed  = 1 // the command ran but some work failed
	exitUsage   = 2 // bad flags or configuration
	exitRuntime = 3 // the command could not run
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "batch":
			os.Exit(runBatch(os.Args[2:]))
		case "watch":
			os.Exit(runWatch(os.Args[2:]))
		case "ask":
			os.Exit(runAsk(os.Args[2:]))
		case "version", "--version", "-v":
			fmt.Printf("ccrelay %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	os.Exit(runBatch(os.Args[1:]))
}

func printUsage() {
	fmt.Printf(`ccrelay %s - ingest Claude Code transcripts into SQLite

Reads the JSONL session logs under the projects directory, reconciles
projects and sessions, and stores every message in a local database.

Usage:
  ccrelay [flags] [dir]           Ingest once (default command)
  ccrelay batch [flags] [dir]     Ingest once (explicit)
  ccrelay watch [flags] [dir]     Ingest continuously as logs change
  ccrelay ask [flags] [question]  Relay a question to the assistant
  ccrelay version                 Show version information
  ccrelay help                    Show this help

Common flags:
  --data-dir string       Directory holding the database and config.toml
  --db string             SQLite database path
  --projects-dir string   Root of the transcript project directories
  --pattern string        Glob selecting log files (default "**/*.jsonl")
  -j, --concurrency int   Maximum log files processed at once (default 5)
  --skip-existing         Skip files unchanged since the last ingest
  --log-level string      debug, info, warn or error
  --log-json              Log JSON instead of console output

Batch flags:
  --reset-tracking        Forget all tracking records before ingesting
  --json                  Print the result as JSON
  --no-progress           Hide the progress bar

Watch flags:
  --debounce duration     Quiet period before a changed file is ingested
  --interval duration     Full rescan interval (0 disables)
  --metrics-addr string   Serve Prometheus metrics on this address

Ask flags:
  --assistant string      Assistant command line
  --session string        Include this session's transcript as context
  --context int           Most recent messages included (default 50)
  --stream                Print output lines as they arrive

Environment variables:
  CCRELAY_DATA_DIR            Data directory (database, config)
  CLAUDE_PROJECTS_DIR         Claude Code projects directory
  CCRELAY_MAX_CONCURRENCY     Maximum log files processed at once
  CCRELAY_ASSISTANT_COMMAND   Assistant command line

Data is stored in ~/.ccrelay/ by default.
`, version)
}

// parseFlags parses args into a flag set that carries the shared
// config flags plus whatever extra registers.
func parseFlags(
	name string, args []string, extra func(*flag.FlagSet),
) (*flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ccrelay %s [flags]\n\nFlags:\n", name)
		fs.PrintDefaults()
	}
	config.RegisterFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, nil
}

// loadConfig resolves, validates and prepares the configuration
// for fs. A positional argument overrides the projects dir.
func loadConfig(fs *flag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *zap.Logger {
	l, err := logging.New(logging.Options{
		Level: cfg.LogLevel, JSON: cfg.LogJSON,
	})
	if err != nil {
		log.Printf("warning: %v; using defaults", err)
		l, _ = logging.New(logging.Options{JSON: cfg.LogJSON})
	}
	return l
}

// setup parses flags, loads config and builds the logger. code is
// non-zero when the command must exit.
func setup(
	name string, args []string, extra func(*flag.FlagSet),
) (fs *flag.FlagSet, cfg config.Config, l *zap.Logger, code int) {
	fs, err := parseFlags(name, args, extra)
	if errors.Is(err, flag.ErrHelp) {
		return nil, cfg, nil, exitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ccrelay %s: %v\n", name, err)
		return nil, cfg, nil, exitUsage
	}
	cfg, err = loadConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ccrelay %s: %v\n", name, err)
		return nil, cfg, nil, exitUsage
	}
	return fs, cfg, newLogger(cfg), exitOK
}

func openDB(cfg config.Config, l *zap.Logger) (*db.DB, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	l.Debug("database open", zap.String("path", cfg.DBPath))
	return database, nil
}

// projectsDir returns the positional directory argument if given,
// else the configured projects dir.
func projectsDir(fs *flag.FlagSet, cfg config.Config) string {
	if fs.NArg() > 0 {
		return fs.Arg(0)
	}
	return cfg.ProjectsDir
}
