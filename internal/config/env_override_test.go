package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("worker fields", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("INTENTBRIDGE_PYTHON", "/opt/py/bin/python")
		t.Setenv("INTENTBRIDGE_RUNNER", "/opt/runner.py")
		t.Setenv("INTENTBRIDGE_MODEL_DIR", "/opt/models")
		t.Setenv("INTENTBRIDGE_DEVICE", "CPU")
		t.Setenv("INTENTBRIDGE_BACKEND", "openvino")

		cfg := DefaultSettings()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/opt/py/bin/python", cfg.Worker.Executable)
		assert.Equal(t, "/opt/runner.py", cfg.Worker.Script)
		assert.Equal(t, "/opt/models", cfg.Worker.ModelDir)
		assert.Equal(t, "CPU", cfg.Worker.Device)
		assert.Equal(t, "openvino", cfg.Worker.Backend)
	})

	t.Run("enable flag parses bools", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("INTENTBRIDGE_ENABLE", "false")

		cfg := DefaultSettings()
		cfg.applyEnvOverrides()
		assert.False(t, cfg.Enabled)
	})

	t.Run("garbage enable flag is ignored", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("INTENTBRIDGE_ENABLE", "maybe")

		cfg := DefaultSettings()
		cfg.applyEnvOverrides()
		assert.True(t, cfg.Enabled)
	})

	t.Run("timeout", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("INTENTBRIDGE_TIMEOUT", "5s")

		cfg := DefaultSettings()
		cfg.applyEnvOverrides()
		assert.Equal(t, "5s", cfg.Timeout)
	})
}
