package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetLogging(t *testing.T) {
	t.Helper()
	SetLogger(nil)
	if err := Initialize("", Config{}); err != nil {
		t.Fatalf("reset logging: %v", err)
	}
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	resetLogging(t)
	t.Cleanup(func() { resetLogging(t) })

	logsPath := filepath.Join(t.TempDir(), "logs")
	if err := Initialize(logsPath, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryBridge,
		CategoryWorker,
		CategoryProtocol,
		CategoryArticulation,
		CategoryConfig,
		CategoryTranscript,
	}
	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	Bridge("Convenience bridge log")
	Worker("Convenience worker log")
	ConfigInfo("Convenience config log")

	CloseAll()

	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
				continue
			}
			found = true
			content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
			if err != nil {
				t.Errorf("Failed to read log file for %s: %v", cat, err)
				continue
			}
			if !strings.Contains(string(content), "Test debug message for "+string(cat)) {
				t.Errorf("Log file for %s missing debug entry:\n%s", cat, content)
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	resetLogging(t)

	logsPath := filepath.Join(t.TempDir(), "logs")
	if err := Initialize(logsPath, Config{DebugMode: false}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	Get(CategoryBridge).Info("should not be written")
	Bridge("should not be written either")
	CloseAll()

	if _, err := os.Stat(logsPath); !os.IsNotExist(err) {
		t.Fatalf("logs directory exists in production mode (err = %v)", err)
	}
}

func TestCategoryFilter(t *testing.T) {
	resetLogging(t)
	t.Cleanup(func() { resetLogging(t) })

	err := Initialize(filepath.Join(t.TempDir(), "logs"), Config{
		DebugMode:  true,
		Categories: map[string]bool{"protocol": false, "worker": true},
	})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if IsCategoryEnabled(CategoryProtocol) {
		t.Error("protocol should be disabled")
	}
	if !IsCategoryEnabled(CategoryWorker) {
		t.Error("worker should be enabled")
	}
	if !IsCategoryEnabled(CategoryBridge) {
		t.Error("unlisted categories default to enabled")
	}
}

func TestSetLogger_RoutesCategories(t *testing.T) {
	resetLogging(t)
	t.Cleanup(func() { resetLogging(t) })

	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))

	WithRequestID(CategoryWorker, "req_4").Warn("worker %s slow", "w1")
	Get(CategoryBridge).Debug("queued %d", 2)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].LoggerName != "worker" || entries[0].Message != "worker w1 slow" {
		t.Fatalf("entry[0] = %s %q", entries[0].LoggerName, entries[0].Message)
	}
	if got := entries[0].ContextMap()["req"]; got != "req_4" {
		t.Fatalf("req field = %v, want req_4", got)
	}
	if entries[1].Level != zapcore.DebugLevel {
		t.Fatalf("entry[1] level = %v, want debug", entries[1].Level)
	}
}

func TestNoopLogger(t *testing.T) {
	var l Logger
	l.Info("nothing %d", 1)
	l.Error("nothing")
	if l.Enabled() {
		t.Fatal("zero Logger reports enabled")
	}
	if l.With("k", "v") != &l {
		t.Fatal("With on a no-op logger should return the receiver")
	}
}
