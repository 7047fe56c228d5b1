package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/metrics"
)

func newLaunchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Run every check on world_size worker processes",
		Long: `Starts world_size copies of this binary running "worker", one per rank, all
joining a Flight store hosted by rank 0. If any worker fails the others are killed.
When rank 0 reports that the rendezvous address is bound (exit code 98) the whole
group is relaunched on a fresh port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			start := time.Now()
			if err := launchProcesses(ctx, root.cfg, self, root.forward()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PASS: %d worker processes in %s\n",
				root.cfg.WorldSize, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// forward returns the persistent flags each worker process inherits.
func (o *rootOptions) forward() []string {
	var args []string
	if o.configPath != "" {
		args = append(args, "--config", o.configPath)
	}
	args = append(args, "--log-level", o.cfg.LogLevel, "--log-format", o.cfg.LogFormat)
	if o.cfg.StateDir != "" {
		args = append(args, "--state-dir", o.cfg.StateDir)
	}
	return args
}

// launchProcesses runs one worker process per rank of bin, retrying with a new
// address while rank 0 cannot bind.
func launchProcesses(ctx context.Context, cfg config.Config, bin string, extra []string) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	return dist.RerunIfAddressInUse(ctx, cfg.MaxRetries, func(ctx context.Context, attempt int) error {
		addr, err := rendezvousAddr(cfg, attempt)
		if err != nil {
			return err
		}
		session := uuid.NewString()
		log := logger.Log.With("session", session, "addr", addr, "attempt", attempt)
		log.Info("starting worker processes", "world_size", cfg.WorldSize)

		eg, egCtx := errgroup.WithContext(ctx)
		for rank := 0; rank < cfg.WorldSize; rank++ {
			args := append([]string{"worker",
				"--rank", strconv.Itoa(rank),
				"--world-size", strconv.Itoa(cfg.WorldSize),
				"--addr", addr,
				"--session", session,
			}, extra...)
			eg.Go(func() error {
				c := exec.CommandContext(egCtx, bin, args...)
				c.Stdout = os.Stdout
				c.Stderr = os.Stderr
				metrics.RecordWorkerStart()
				defer metrics.RecordWorkerStop()
				return workerExit(rank, c.Run())
			})
		}
		if err := eg.Wait(); err != nil {
			log.Error("worker processes failed", "error", err)
			return err
		}
		return nil
	})
}

// workerExit maps a worker's exit status to an error, turning exit code 98 into
// dist.ErrAddressInUse.
func workerExit(rank int, err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == exitAddressInUse {
		return fmt.Errorf("worker rank %d: %w", rank, dist.ErrAddressInUse)
	}
	return fmt.Errorf("worker rank %d: %w", rank, err)
}
