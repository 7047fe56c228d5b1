package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-shard/internal/checks"
	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/monitoring"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every check on goroutine workers in this process",
		Long: `Starts world_size workers as goroutines. With the flight backend the workers talk
through an Arrow Flight store on host:port (a free port when port is 0); when that
address is already bound the whole group is relaunched on a fresh port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hm, stopMonitor, err := startMonitor(opts.cfg)
			if err != nil {
				return err
			}
			defer stopMonitor()

			start := time.Now()
			if err := runSuite(ctx, opts.cfg, hm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PASS: %d cases x 4 checks on %d workers (%s backend) in %s\n",
				len(checks.Cases()), opts.cfg.WorldSize, opts.cfg.GetBackend(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// startMonitor serves /metrics and /health when cfg.MetricsAddr is set. The returned
// monitor is nil otherwise.
func startMonitor(cfg config.Config) (*monitoring.HealthMonitor, func(), error) {
	if cfg.MetricsAddr == "" {
		return nil, func() {}, nil
	}
	hm := monitoring.NewHealthMonitor()
	if _, err := hm.Start(cfg.MetricsAddr); err != nil {
		return nil, nil, err
	}
	return hm, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hm.Stop(ctx); err != nil {
			logger.Log.Warn("stopping health monitor", "error", err)
		}
	}, nil
}

// runSuite spawns the workers, relaunching the group while the rendezvous address is taken.
func runSuite(ctx context.Context, cfg config.Config, hm *monitoring.HealthMonitor) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	return dist.RerunIfAddressInUse(ctx, cfg.MaxRetries, func(ctx context.Context, attempt int) error {
		opts := dist.LaunchOptions{WorldSize: cfg.WorldSize, Backend: cfg.GetBackend()}
		if opts.Backend == dist.BackendFlight {
			addr, err := rendezvousAddr(cfg, attempt)
			if err != nil {
				return err
			}
			opts.Addr = addr
		}
		logger.Log.Info("launching workers", "attempt", attempt, "backend", opts.Backend, "addr", opts.Addr)
		return dist.Spawn(ctx, opts, func(ctx context.Context, g dist.Group) error {
			return runWorker(ctx, g, cfg, hm)
		})
	})
}

// rendezvousAddr uses the configured port on the first attempt and a free one afterwards.
func rendezvousAddr(cfg config.Config, attempt int) (string, error) {
	if cfg.Port != 0 && attempt == 0 {
		return cfg.Addr(), nil
	}
	return dist.FreeAddr(cfg.Host)
}

func runWorker(ctx context.Context, g dist.Group, cfg config.Config, hm *monitoring.HealthMonitor) error {
	err := checks.NewChecker(g, cfg).RunAll(ctx)
	if hm != nil {
		hm.RecordResult(fmt.Sprintf("rank %d", g.Rank()), err)
	}
	return err
}
