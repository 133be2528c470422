// Package config loads webharness settings from TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

const (
	// BackendCDP drives a Chrome tab over the DevTools protocol.
	BackendCDP = "cdp"
	// BackendScript runs the page script in an embedded JavaScript runtime.
	BackendScript = "script"

	// DirName is the per-user and per-project configuration directory.
	DirName = ".webharness"

	defaultTimeout      = 5 * time.Minute
	defaultParallel     = 1
	defaultReadyTimeout = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultSignalMode   = "binding"
	defaultReportFormat = "text"
	defaultLogLevel     = "info"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	DefaultTimeout   time.Duration
	Parallel         int
	Declarations     string
	Backend          string
	PageURL          string
	ScriptPath       string
	Headless         bool
	ChromePath       string
	ReadyExpression  string
	ReadyTimeout     time.Duration
	ControlAttribute string
	SignalMode       string
	PollInterval     time.Duration
	ReportFormat     string
	ReportPath       string
	MetricsTextfile  string
	LogLevel         string
	LogDir           string
	OTelEndpoint     string
}

type fileConfig struct {
	DefaultTimeout   *string     `toml:"default_timeout"`
	Parallel         *int        `toml:"parallel"`
	Declarations     *string     `toml:"declarations"`
	Backend          *string     `toml:"backend"`
	PageURL          *string     `toml:"page_url"`
	ScriptPath       *string     `toml:"script_path"`
	Headless         *bool       `toml:"headless"`
	ChromePath       *string     `toml:"chrome_path"`
	ReadyExpression  *string     `toml:"ready_expression"`
	ReadyTimeout     *string     `toml:"ready_timeout"`
	ControlAttribute *string     `toml:"control_attribute"`
	SignalMode       *string     `toml:"signal_mode"`
	PollInterval     *string     `toml:"poll_interval"`
	ReportFormat     *string     `toml:"report_format"`
	ReportPath       *string     `toml:"report_path"`
	MetricsTextfile  *string     `toml:"metrics_textfile"`
	LogLevel         *string     `toml:"log_level"`
	LogDir           *string     `toml:"log_dir"`
	OTel             *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads ~/.webharness/config.toml and overlays a project-local
// .webharness/config.toml. An explicit path, when given, is overlaid last.
// Cross-field rules are left to Validate so flags can still fill gaps.
func Load(explicit string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := Defaults()
	cfg.LogDir = filepath.Join(homeDir, DirName, "logs")

	paths := []string{
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path, false); err != nil {
			return nil, err
		}
	}
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if err := overlayFromFile(&cfg, explicit, true); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		DefaultTimeout: defaultTimeout,
		Parallel:       defaultParallel,
		Backend:        BackendCDP,
		Headless:       true,
		ReadyTimeout:   defaultReadyTimeout,
		SignalMode:     defaultSignalMode,
		PollInterval:   defaultPollInterval,
		ReportFormat:   defaultReportFormat,
		LogLevel:       defaultLogLevel,
	}
}

// Validate checks cross-field rules that a single file cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be > 0, got %s", c.DefaultTimeout)
	}
	if c.Parallel <= 0 {
		return fmt.Errorf("parallel must be > 0, got %d", c.Parallel)
	}
	switch c.Backend {
	case BackendCDP:
		if c.PageURL == "" {
			return errors.New("page_url is required for the cdp backend")
		}
	case BackendScript:
		if c.ScriptPath == "" {
			return errors.New("script_path is required for the script backend")
		}
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendCDP, BackendScript, c.Backend)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func overlayFromFile(cfg *Config, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("decode config file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}

	applyStringOverrides(cfg, decoded)
	if err := applyEnumOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if decoded.Parallel != nil {
		if *decoded.Parallel <= 0 {
			return fmt.Errorf("parse parallel in %q: must be > 0", path)
		}
		cfg.Parallel = *decoded.Parallel
	}
	if decoded.Headless != nil {
		cfg.Headless = *decoded.Headless
	}
	return nil
}

func applyStringOverrides(cfg *Config, decoded fileConfig) {
	for _, field := range []struct {
		value  *string
		target *string
	}{
		{decoded.Declarations, &cfg.Declarations},
		{decoded.PageURL, &cfg.PageURL},
		{decoded.ScriptPath, &cfg.ScriptPath},
		{decoded.ChromePath, &cfg.ChromePath},
		{decoded.ReadyExpression, &cfg.ReadyExpression},
		{decoded.ControlAttribute, &cfg.ControlAttribute},
		{decoded.ReportPath, &cfg.ReportPath},
		{decoded.MetricsTextfile, &cfg.MetricsTextfile},
		{decoded.LogDir, &cfg.LogDir},
	} {
		if field.value != nil {
			*field.target = strings.TrimSpace(*field.value)
		}
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyEnumOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Backend != nil {
		backend := normalizeKey(*decoded.Backend)
		if backend != BackendCDP && backend != BackendScript {
			return fmt.Errorf("parse backend in %q: must be %q or %q", path, BackendCDP, BackendScript)
		}
		cfg.Backend = backend
	}
	if decoded.SignalMode != nil {
		mode := normalizeKey(*decoded.SignalMode)
		if mode != "binding" && mode != "checkbox" {
			return fmt.Errorf("parse signal_mode in %q: must be binding or checkbox", path)
		}
		cfg.SignalMode = mode
	}
	if decoded.ReportFormat != nil {
		cfg.ReportFormat = normalizeKey(*decoded.ReportFormat)
	}
	if decoded.LogLevel != nil {
		level := normalizeKey(*decoded.LogLevel)
		if _, err := log.ParseLevel(level); err != nil {
			return fmt.Errorf("parse log_level in %q: %w", path, err)
		}
		cfg.LogLevel = level
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	for _, field := range []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"default_timeout", decoded.DefaultTimeout, &cfg.DefaultTimeout},
		{"ready_timeout", decoded.ReadyTimeout, &cfg.ReadyTimeout},
		{"poll_interval", decoded.PollInterval, &cfg.PollInterval},
	} {
		if field.value == nil {
			continue
		}
		value, err := parseDuration(*field.value, field.key, path)
		if err != nil {
			return err
		}
		*field.target = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
