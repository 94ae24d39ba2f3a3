package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/cacheagent/internal/coordinator"
	"github.com/marcus/cacheagent/internal/observability"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run the cache services until interrupted",
	GroupID: "service",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr, _ := cmd.Flags().GetString("metrics-addr")
		if addr == "" {
			addr = cfg.Metrics.ListenAddr
		}
		if addr != "" {
			go func() {
				if err := observability.Serve(ctx, addr, logger); err != nil {
					logger.Error("metrics server", "err", err)
				}
			}()
		}

		c.Start(ctx)
		logger.Info("cache services started", "version", version, "client", cfg.Global.HostID, "sync_interval", cfg.SyncInterval())
		runCycles(ctx, c, cfg.SyncInterval())
		logger.Info("shutting down")
		return nil
	},
}

// runCycles syncs the config cache and queues a caching pass for the
// pending actions, once immediately and then every interval. A zero
// interval runs a single cycle and then waits for ctx.
func runCycles(ctx context.Context, c *coordinator.Coordinator, interval time.Duration) {
	cycle(ctx, c)
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx, c)
		}
	}
}

func cycle(ctx context.Context, c *coordinator.Coordinator) {
	if err := c.SyncConfig(ctx, true, false); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("config sync failed", "err", err)
		}
		return
	}
	err := c.CacheProducts(ctx, coordinator.CacheRequest{
		MaxBandwidth:     cfg.MaxBandwidth(),
		DynamicBandwidth: cfg.ProductCache.DynamicBandwidth,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("caching request failed", "err", err)
	}
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address (overrides metrics.listen_addr)")
	rootCmd.AddCommand(runCmd)
}
