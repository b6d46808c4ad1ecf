package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"intentbridge/internal/config"
	"intentbridge/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "intentbridge",
	Short: "Asynchronous intent-inference bridge for game agents",
	Long: `intentbridge forwards player utterances to a local inference worker and turns
its one-line answers into speech plus a short list of allowed actions.

The worker is a separate process speaking line-delimited JSON over stdin/stdout.
It is started on first use, restarted when its configuration changes, and killed
when it stops answering.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Settings file (.yaml or .toml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(prewarmCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings reads the settings file and applies its logging section.
func loadSettings() (config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return config.Settings{}, err
	}
	if settings.Logging.DebugMode {
		// Per-category files replace the console logger.
		logging.SetLogger(nil)
	}
	dir := settings.ResolvePath("logs")
	if err := logging.Initialize(dir, settings.Logging); err != nil {
		logger.Warn("failed to initialize category logs", zap.String("dir", dir), zap.Error(err))
	}
	logging.Boot("settings loaded from %s (device %s)", configPath, settings.Worker.Device)
	if !settings.Enabled {
		logging.BootWarn("bridge disabled in %s", configPath)
	}
	return settings, nil
}
