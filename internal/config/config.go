package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

const (
	configFileName = "config.toml"
	dbFileName     = "ccrelay.db"
)

// Config holds all application configuration.
type Config struct {
	DataDir          string        `toml:"-"`
	DBPath           string        `toml:"db_path"`
	ProjectsDir      string        `toml:"projects_dir"`
	Pattern          string        `toml:"pattern"`
	MaxConcurrency   int           `toml:"max_concurrency"`
	SkipExisting     bool          `toml:"skip_existing"`
	WatchDebounce    time.Duration `toml:"watch_debounce"`
	SyncInterval     time.Duration `toml:"sync_interval"`
	AssistantCommand string        `toml:"assistant_command"`
	MetricsAddr      string        `toml:"metrics_addr"`
	LogLevel         string        `toml:"log_level"`
	LogJSON          bool          `toml:"log_json"`

	// dbPathSet records that DBPath came from the file or a flag
	// rather than being derived from DataDir.
	dbPathSet bool
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".ccrelay")
	return Config{
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, dbFileName),
		ProjectsDir:      filepath.Join(home, ".claude", "projects"),
		Pattern:          "**/*.jsonl",
		MaxConcurrency:   5,
		WatchDebounce:    500 * time.Millisecond,
		SyncInterval:     15 * time.Minute,
		AssistantCommand: "claude -p --output-format stream-json --verbose",
		LogLevel:         "info",
	}, nil
}

// Load builds a Config by layering: defaults < config file < env
// < flags. flags must already be parsed; only flags that were
// explicitly set override the lower layers. flags may be nil.
func Load(flags *pflag.FlagSet) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}

	// The data dir locates the config file, so resolve it first.
	if v := os.Getenv("CCRELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if flags != nil && flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}

	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	applyFlags(&cfg, flags)

	if !cfg.dbPathSet {
		cfg.DBPath = filepath.Join(cfg.DataDir, dbFileName)
	}
	return cfg, nil
}

// ConfigPath is the TOML file read by Load.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

func (c *Config) loadFile() error {
	md, err := toml.DecodeFile(c.ConfigPath(), c)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf(
			"%s: unknown keys: %s",
			c.ConfigPath(), strings.Join(keys, ", "),
		)
	}
	if md.IsDefined("db_path") {
		c.dbPathSet = true
	}
	return nil
}

// loadEnv applies environment overrides. Malformed numbers are
// ignored.
func (c *Config) loadEnv() {
	if v := os.Getenv("CLAUDE_PROJECTS_DIR"); v != "" {
		c.ProjectsDir = v
	}
	if v := os.Getenv("CCRELAY_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CCRELAY_ASSISTANT_COMMAND"); v != "" {
		c.AssistantCommand = v
	}
}

// RegisterFlags registers the shared flags. The caller must
// parse them before passing the set to Load.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("data-dir", "", "Directory holding the database and config.toml")
	flags.String("db", "", "SQLite database path (default <data-dir>/"+dbFileName+")")
	flags.String("projects-dir", "", "Root of the transcript project directories")
	flags.String("pattern", "", "Glob selecting log files under the projects dir")
	flags.IntP("concurrency", "j", 0, "Maximum log files processed at once")
	flags.Bool("skip-existing", false, "Skip files unchanged since they were last ingested")
	flags.Duration("debounce", 0, "Watch mode debounce period")
	flags.Duration("interval", 0, "Watch mode full rescan interval (0 disables)")
	flags.String("assistant", "", "Assistant command line for ask")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address in watch mode")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log JSON instead of console output")
}

// applyFlags copies explicitly-set flags into cfg.
func applyFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags == nil {
		return
	}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "db":
			cfg.DBPath = f.Value.String()
			cfg.dbPathSet = true
		case "projects-dir":
			cfg.ProjectsDir = f.Value.String()
		case "pattern":
			cfg.Pattern = f.Value.String()
		case "concurrency":
			cfg.MaxConcurrency, _ = flags.GetInt(f.Name)
		case "skip-existing":
			cfg.SkipExisting, _ = flags.GetBool(f.Name)
		case "debounce":
			cfg.WatchDebounce, _ = flags.GetDuration(f.Name)
		case "interval":
			cfg.SyncInterval, _ = flags.GetDuration(f.Name)
		case "assistant":
			cfg.AssistantCommand = f.Value.String()
		case "metrics-addr":
			cfg.MetricsAddr = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "log-json":
			cfg.LogJSON, _ = flags.GetBool(f.Name)
		}
	})
}

// Validate reports settings no command can run with.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	if c.WatchDebounce <= 0 {
		return fmt.Errorf("watch_debounce must be positive, got %s", c.WatchDebounce)
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must not be negative, got %s", c.SyncInterval)
	}
	return nil
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	return nil
}
