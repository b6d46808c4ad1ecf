package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"intentbridge/internal/bridge"
	"intentbridge/internal/config"
	"intentbridge/internal/worker"
)

var prewarmTimeout time.Duration

// prewarmCmd starts the worker, sends the warm-up request and shuts down.
// Useful to check a worker configuration and to populate model caches.
var prewarmCmd = &cobra.Command{
	Use:   "prewarm",
	Short: "Start the worker once, send a warm-up request and shut it down",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if err := settings.Validate(); err != nil {
			return err
		}

		b := bridge.New(config.NewStatic(settings))
		if err := b.Start(); err != nil {
			return err
		}
		start := time.Now()
		if !b.Prewarm() {
			_ = b.Stop(context.Background())
			return fmt.Errorf("prewarm not queued (bridge disabled or worker misconfigured)")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), prewarmTimeout)
		defer cancel()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for b.Pending() > 0 {
			select {
			case <-ctx.Done():
				_ = b.Stop(context.Background())
				return fmt.Errorf("prewarm did not finish within %v", prewarmTimeout)
			case <-ticker.C:
			}
		}

		m := b.Manager()
		state := m.State()
		pid := m.PID()
		if err := b.Stop(ctx); err != nil {
			return err
		}
		if state != worker.StateRunningWarm {
			return fmt.Errorf("worker did not answer the warm-up request (state %s after %d start(s), see the worker log)", state, m.Starts())
		}
		logger.Info("prewarm finished",
			zap.Int("pid", pid),
			zap.Duration("elapsed", time.Since(start)))
		fmt.Fprintf(cmd.OutOrStdout(), "worker pid %d warm after %v\n", pid, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	prewarmCmd.Flags().DurationVar(&prewarmTimeout, "timeout", 5*time.Minute, "Give up after this long")
}
