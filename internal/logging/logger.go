// Package logging provides config-driven categorized logging for intentbridge.
// Each category writes to its own file under the logs directory, or to a
// shared zap logger installed with SetLogger. When debug mode is off and no
// logger is installed every category is a silent no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot         Category = "boot"         // Boot/initialization
	CategoryBridge       Category = "bridge"       // Queue, dispatch loop, response drain
	CategoryWorker       Category = "worker"       // Worker process lifecycle and pipe IO
	CategoryProtocol     Category = "protocol"     // Skipped or malformed wire lines
	CategoryArticulation Category = "articulation" // Answer parsing
	CategoryConfig       Category = "config"       // Config load/reload
	CategoryTranscript   Category = "transcript"   // Diagnostic transcript sinks
	CategoryPerformance  Category = "performance"  // Slow operations
)

// Config controls which categories are written and how.
type Config struct {
	DebugMode  bool            `yaml:"debug_mode" toml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty" toml:"categories,omitempty" json:"categories,omitempty"`
	Level      string          `yaml:"level" toml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" toml:"json_format" json:"json_format"`
}

// Logger is a printf-style logger bound to one category. The zero value
// discards everything.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	files     []*os.File
	loggersMu sync.RWMutex

	logsDir  string
	config   Config
	base     *zap.Logger
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	configMu sync.RWMutex
)

// Initialize sets up the logging directory and applies cfg. With debug mode
// off it does nothing beyond recording the config.
func Initialize(dir string, cfg Config) error {
	CloseAll()

	configMu.Lock()
	config = cfg
	level.SetLevel(parseLevel(cfg.Level))
	if cfg.DebugMode {
		logsDir = dir
	} else {
		logsDir = ""
	}
	configMu.Unlock()

	if !cfg.DebugMode {
		return nil
	}
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== intentbridge logging initialized ===")
	bootLogger.Info("Logs directory: %s", dir)
	bootLogger.Info("Log level: %s", level.Level())
	if len(cfg.Categories) > 0 {
		enabledCount := 0
		for cat, enabled := range cfg.Categories {
			if enabled {
				enabledCount++
			}
			bootLogger.Debug("Category '%s': %v", cat, enabled)
		}
		bootLogger.Info("Enabled categories: %d/%d", enabledCount, len(cfg.Categories))
	}
	return nil
}

// SetLogger routes every category through l, named by category. Passing nil
// reverts to per-category files.
func SetLogger(l *zap.Logger) {
	CloseAll()
	configMu.Lock()
	base = l
	configMu.Unlock()
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether file logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode && base == nil {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	shared, dir, jsonFormat := base, logsDir, config.JSONFormat
	configMu.RUnlock()

	if shared != nil {
		l := &Logger{category: category, sugar: shared.Named(string(category)).Sugar()}
		loggers[category] = l
		return l
	}
	if dir == "" {
		return &Logger{category: category}
	}

	// Date prefix keeps one file per category per day
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}
	files = append(files, file)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)

	l := &Logger{
		category: category,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// With returns a logger that attaches the given key/value pairs to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Enabled reports whether entries at debug level would be written.
func (l *Logger) Enabled() bool {
	return l.sugar != nil && l.sugar.Desugar().Core().Enabled(zapcore.DebugLevel)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	for _, f := range files {
		_ = f.Close()
	}
	files = nil
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// Bridge logs to the bridge category
func Bridge(format string, args ...interface{}) {
	Get(CategoryBridge).Info(format, args...)
}

// BridgeDebug logs debug to the bridge category
func BridgeDebug(format string, args ...interface{}) {
	Get(CategoryBridge).Debug(format, args...)
}

// BridgeWarn logs a warning to the bridge category
func BridgeWarn(format string, args ...interface{}) {
	Get(CategoryBridge).Warn(format, args...)
}

// BridgeError logs an error to the bridge category
func BridgeError(format string, args ...interface{}) {
	Get(CategoryBridge).Error(format, args...)
}

// Worker logs to the worker category
func Worker(format string, args ...interface{}) {
	Get(CategoryWorker).Info(format, args...)
}

// WorkerDebug logs debug to the worker category
func WorkerDebug(format string, args ...interface{}) {
	Get(CategoryWorker).Debug(format, args...)
}

// WorkerWarn logs a warning to the worker category
func WorkerWarn(format string, args ...interface{}) {
	Get(CategoryWorker).Warn(format, args...)
}

// WorkerError logs an error to the worker category
func WorkerError(format string, args ...interface{}) {
	Get(CategoryWorker).Error(format, args...)
}

// ConfigInfo logs to the config category
func ConfigInfo(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigWarn logs a warning to the config category
func ConfigWarn(format string, args ...interface{}) {
	Get(CategoryConfig).Warn(format, args...)
}

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// WithRequestID returns a category logger tagged with a request id
func WithRequestID(category Category, requestID string) *Logger {
	return Get(category).With("req", requestID)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
