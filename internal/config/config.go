package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"intentbridge/internal/logging"
	"intentbridge/internal/protocol"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "intentbridge.yaml"

// Settings holds all intentbridge configuration. It is a plain value: the
// bridge reads a fresh copy before every dispatch.
type Settings struct {
	// Core settings
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Debug        bool   `yaml:"debug" toml:"debug"` // write the request transcript
	Timeout      string `yaml:"timeout" toml:"timeout"`
	StartupGrace string `yaml:"startup_grace" toml:"startup_grace"`

	// Request budget
	MaxTokens     int               `yaml:"max_tokens" toml:"max_tokens"`
	PrewarmTokens int               `yaml:"prewarm_tokens" toml:"prewarm_tokens"`
	Sampling      protocol.Sampling `yaml:"sampling" toml:"sampling"`

	// Worker process
	Worker WorkerConfig `yaml:"worker" toml:"worker"`

	// Ambient
	Logging    logging.Config   `yaml:"logging" toml:"logging"`
	Transcript TranscriptConfig `yaml:"transcript" toml:"transcript"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`

	// Directory relative worker paths resolve against; set by Load.
	baseDir string
}

// TranscriptConfig configures the diagnostic request/response log.
type TranscriptConfig struct {
	Path       string `yaml:"path" toml:"path"`
	MaxBytes   int64  `yaml:"max_bytes" toml:"max_bytes"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	SQLitePath string `yaml:"sqlite_path,omitempty" toml:"sqlite_path,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint of the CLI.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`
}

// DefaultSettings returns the default configuration.
func DefaultSettings() Settings {
	return Settings{
		Enabled:       true,
		Timeout:       "30s",
		StartupGrace:  "120s",
		MaxTokens:     DefaultMaxTokens,
		PrewarmTokens: 8,

		Worker: WorkerConfig{
			Executable:   "python3",
			Script:       "tools/llm_runner/runner.py",
			Backend:      "auto",
			Device:       DefaultDevice,
			MaxTokens:    DefaultMaxTokens,
			MaxPromptLen: DefaultMaxPromptLen,
			LogFile:      "logs/llm_runner.log",
		},

		Logging: logging.Config{
			Level: "info",
		},

		Transcript: TranscriptConfig{
			Path:       "logs/llm_intent.log",
			MaxBytes:   1 << 20,
			MaxBackups: 3,
		},

		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// Load loads configuration from a YAML or TOML file, chosen by extension.
// A missing file yields the defaults.
func Load(path string) (Settings, error) {
	cfg := DefaultSettings()
	if abs, err := filepath.Abs(path); err == nil {
		cfg.baseDir = filepath.Dir(abs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return Settings{}, fmt.Errorf("failed to read config: %w", err)
	}

	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML or TOML file, chosen by extension.
func (c Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.Marshal(isTOML(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Marshal renders the settings as TOML or YAML.
func (c Settings) Marshal(asTOML bool) ([]byte, error) {
	if asTOML {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// applyEnvOverrides applies environment variable overrides.
func (c *Settings) applyEnvOverrides() {
	if v := os.Getenv("INTENTBRIDGE_ENABLE"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Enabled = enabled
		}
	}
	if v := os.Getenv("INTENTBRIDGE_PYTHON"); v != "" {
		c.Worker.Executable = v
	}
	if v := os.Getenv("INTENTBRIDGE_RUNNER"); v != "" {
		c.Worker.Script = v
	}
	if v := os.Getenv("INTENTBRIDGE_MODEL_DIR"); v != "" {
		c.Worker.ModelDir = v
	}
	if v := os.Getenv("INTENTBRIDGE_DEVICE"); v != "" {
		c.Worker.Device = v
	}
	if v := os.Getenv("INTENTBRIDGE_BACKEND"); v != "" {
		c.Worker.Backend = v
	}
	if v := os.Getenv("INTENTBRIDGE_TIMEOUT"); v != "" {
		c.Timeout = v
	}
}

// BaseDir returns the directory relative paths resolve against.
func (c Settings) BaseDir() string {
	return c.baseDir
}

// WithBaseDir returns a copy resolving relative paths against dir.
func (c Settings) WithBaseDir(dir string) Settings {
	c.baseDir = dir
	return c
}

// ResolvedWorker returns the worker config with defaults and absolute paths.
func (c Settings) ResolvedWorker() WorkerConfig {
	return c.Worker.WithDefaults().Resolve(c.baseDir)
}

// ResolvePath makes a settings-relative path absolute.
func (c Settings) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// GetTimeout returns the per-request timeout as a duration.
func (c Settings) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetStartupGrace returns the cold-start grace period as a duration.
func (c Settings) GetStartupGrace() time.Duration {
	d, err := time.ParseDuration(c.StartupGrace)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// RequestTokens returns the per-request token budget.
func (c Settings) RequestTokens() int {
	if c.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return c.MaxTokens
}

// Validate validates the configuration.
func (c Settings) Validate() error {
	if _, err := time.ParseDuration(c.Timeout); c.Timeout != "" && err != nil {
		return fmt.Errorf("%w: timeout %q: %v", ErrInvalid, c.Timeout, err)
	}
	if _, err := time.ParseDuration(c.StartupGrace); c.StartupGrace != "" && err != nil {
		return fmt.Errorf("%w: startup_grace %q: %v", ErrInvalid, c.StartupGrace, err)
	}
	if c.MaxTokens < 0 || c.PrewarmTokens < 0 {
		return fmt.Errorf("%w: token budgets must not be negative", ErrInvalid)
	}
	if c.Transcript.MaxBytes < 0 || c.Transcript.MaxBackups < 0 {
		return fmt.Errorf("%w: transcript rotation limits must not be negative", ErrInvalid)
	}
	return c.ResolvedWorker().Validate()
}
