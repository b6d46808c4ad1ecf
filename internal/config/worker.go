package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalid marks a configuration that cannot start a worker.
var ErrInvalid = errors.New("invalid configuration")

// Worker defaults mirror what the bundled runner expects.
const (
	DefaultDevice       = "NPU"
	DefaultMaxTokens    = 20000
	DefaultMaxPromptLen = 4096
	cacheDirName        = ".ov_cache"
)

// ValidBackends lists the runner backends.
var ValidBackends = []string{"auto", "openvino", "api"}

// WorkerConfig describes how to launch the inference worker. Every field is
// comparable so two configs can be tested with ==; a running worker is only
// valid for the exact config it was started with.
type WorkerConfig struct {
	Executable   string `yaml:"executable" toml:"executable" json:"executable"` // interpreter or runner binary
	Script       string `yaml:"script" toml:"script" json:"script"`             // entry script passed as first arg
	ModelDir     string `yaml:"model_dir" toml:"model_dir" json:"model_dir"`
	Backend      string `yaml:"backend" toml:"backend" json:"backend"` // auto, openvino, api
	Device       string `yaml:"device" toml:"device" json:"device"`
	MaxTokens    int    `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	MaxPromptLen int    `yaml:"max_prompt_len" toml:"max_prompt_len" json:"max_prompt_len"`
	ForceNPU     bool   `yaml:"force_npu" toml:"force_npu" json:"force_npu"`
	CacheDir     string `yaml:"cache_dir,omitempty" toml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	LogFile      string `yaml:"log_file,omitempty" toml:"log_file,omitempty" json:"log_file,omitempty"`
	WorkDir      string `yaml:"work_dir,omitempty" toml:"work_dir,omitempty" json:"work_dir,omitempty"`

	// Hosted API backend
	APIProvider string `yaml:"api_provider,omitempty" toml:"api_provider,omitempty" json:"api_provider,omitempty"`
	APIModel    string `yaml:"api_model,omitempty" toml:"api_model,omitempty" json:"api_model,omitempty"`
	APIKeyEnv   string `yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}

// WithDefaults fills unset limits and derived paths.
func (w WorkerConfig) WithDefaults() WorkerConfig {
	if w.Device == "" {
		w.Device = DefaultDevice
	}
	if w.Backend == "" {
		w.Backend = "auto"
	}
	if w.MaxTokens == 0 {
		w.MaxTokens = DefaultMaxTokens
	}
	if w.MaxPromptLen == 0 {
		w.MaxPromptLen = DefaultMaxPromptLen
	}
	if w.CacheDir == "" && w.ModelDir != "" {
		w.CacheDir = filepath.Join(w.ModelDir, cacheDirName)
	}
	return w
}

// Resolve makes relative paths absolute against baseDir. The executable is
// only resolved when it names a path; bare names are left for PATH lookup.
func (w WorkerConfig) Resolve(baseDir string) WorkerConfig {
	if baseDir == "" {
		return w
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	if strings.ContainsAny(w.Executable, `/\`) {
		w.Executable = abs(w.Executable)
	}
	w.Script = abs(w.Script)
	w.ModelDir = abs(w.ModelDir)
	w.CacheDir = abs(w.CacheDir)
	w.LogFile = abs(w.LogFile)
	w.WorkDir = abs(w.WorkDir)
	return w
}

// Validate checks that the config can launch a worker. Errors wrap ErrInvalid.
func (w WorkerConfig) Validate() error {
	if strings.TrimSpace(w.Executable) == "" {
		return fmt.Errorf("%w: worker executable not set", ErrInvalid)
	}

	backend := w.Backend
	if backend == "" {
		backend = "auto"
	}
	valid := false
	for _, b := range ValidBackends {
		if backend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: invalid backend %q (valid: %v)", ErrInvalid, w.Backend, ValidBackends)
	}

	if backend == "api" {
		if w.APIProvider == "" {
			return fmt.Errorf("%w: api backend requires api_provider", ErrInvalid)
		}
	} else if strings.TrimSpace(w.ModelDir) == "" {
		return fmt.Errorf("%w: model_dir not set", ErrInvalid)
	}

	if w.ForceNPU && !strings.EqualFold(w.Device, "NPU") {
		return fmt.Errorf("%w: force_npu requires device NPU, got %q", ErrInvalid, w.Device)
	}
	if w.MaxTokens < 0 || w.MaxPromptLen < 0 {
		return fmt.Errorf("%w: token limits must not be negative", ErrInvalid)
	}
	return nil
}

// Args builds the worker command line (excluding the executable).
func (w WorkerConfig) Args() []string {
	w = w.WithDefaults()

	var args []string
	if w.Script != "" {
		args = append(args, w.Script)
	}
	if w.ModelDir != "" {
		args = append(args, "--model-dir", w.ModelDir)
	}
	args = append(args,
		"--device", w.Device,
		"--max-tokens", strconv.Itoa(w.MaxTokens),
		"--max-prompt-len", strconv.Itoa(w.MaxPromptLen),
	)
	if w.CacheDir != "" {
		args = append(args, "--cache-dir", w.CacheDir)
	}
	if w.LogFile != "" {
		args = append(args, "--log-file", w.LogFile)
	}
	if w.ForceNPU {
		args = append(args, "--force-npu")
	}
	if w.Backend != "auto" {
		args = append(args, "--backend", w.Backend)
	}
	if w.Backend == "api" {
		if w.APIProvider != "" {
			args = append(args, "--api-provider", w.APIProvider)
		}
		if w.APIModel != "" {
			args = append(args, "--api-model", w.APIModel)
		}
		if w.APIKeyEnv != "" {
			args = append(args, "--api-key-env", w.APIKeyEnv)
		}
	}
	return args
}
