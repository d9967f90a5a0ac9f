package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gateway"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
)

// newServeCmd creates the `pocketclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and the proactive digest",
		Long: `Start PocketClaw as a daemon: the HTTP gateway receives turns from the
chat bridge, approvals are routed back over the bridge, and the optional
digest runs on its cron schedule.

Examples:
  pocketclaw serve
  pocketclaw serve --addr :9000
  pocketclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "gateway listen address (overrides gateway.address)")
	cmd.Flags().Bool("digest", false, "enable the proactive digest (overrides scheduler.enabled)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, raw, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Gateway.Address = addr
	}
	if on, _ := cmd.Flags().GetBool("digest"); on {
		cfg.Scheduler.Enabled = true
	}
	logger := newLogger(cmd, cfg.Logging, os.Stdout)

	rt, err := buildRuntime(cfg, raw, runtimeOptions{}, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Background loops ──
	rt.assistant.Registry().StartPruner(ctx)

	if path := cfg.Capabilities.CatalogFile; path != "" {
		go func() {
			if err := rt.providers.catalog.Watch(ctx, path); err != nil {
				logger.Warn("catalog watcher stopped", "error", err)
			}
		}()
	}

	var digest *scheduler.Digest
	if cfg.Scheduler.Enabled {
		digest, err = scheduler.NewDigest(cfg.Scheduler, rt.assistant, rt.notifier, logger)
		if err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		if err := digest.Start(ctx); err != nil {
			return fmt.Errorf("digest: %w", err)
		}
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(rt.assistant, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			if digest != nil {
				digest.Stop()
			}
			return fmt.Errorf("gateway: %w", err)
		}
	} else {
		logger.Warn("gateway disabled; nothing will receive turns")
	}

	logger.Info("PocketClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Reasoning.Model,
		"memory", cfg.Memory.Backend,
		"digest", cfg.Scheduler.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
	}
	if digest != nil {
		digest.Stop()
	}

	logger.Info("shutdown complete")
	return nil
}
