package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/logger"
)

type workerOptions struct {
	rank      int
	worldSize int
	addr      string
	name      string
}

func newWorkerCmd(root *rootOptions) *cobra.Command {
	opts := &workerOptions{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run every check as one rank of a multi-process Flight group",
		Long: `Joins the Flight group at --addr as --rank. Rank 0 hosts the store and exits with
code 98 when the address is already bound.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := root.cfg
			if cmd.Flags().Changed("world-size") {
				cfg.WorldSize = opts.worldSize
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			err := runRank(ctx, cfg, *opts)
			if dist.IsAddressInUse(err) {
				return &exitError{code: exitAddressInUse, err: err}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.rank, "rank", 0, "rank of this worker")
	f.IntVar(&opts.worldSize, "world-size", 2, "number of workers in the group")
	f.StringVar(&opts.addr, "addr", "", "host:port of the rank 0 Flight store")
	f.StringVar(&opts.name, "session", "", "session name shared by every rank")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

func runRank(ctx context.Context, cfg config.Config, opts workerOptions) (err error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	log := logger.Log.With("rank", opts.rank)
	g, err := dist.Init(ctx, dist.InitOptions{
		Rank:      opts.rank,
		WorldSize: cfg.WorldSize,
		Addr:      opts.addr,
		Name:      opts.name,
	})
	if err != nil {
		return fmt.Errorf("rank %d: join group: %w", opts.rank, err)
	}
	defer func() {
		// Rank 0 waits here until every other rank has collected its last round.
		if cerr := g.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("rank %d: close group: %w", opts.rank, cerr))
		}
	}()

	log.Info("worker started", "world_size", cfg.WorldSize, "addr", opts.addr)
	if err := runWorker(ctx, g, cfg, nil); err != nil {
		return fmt.Errorf("rank %d: %w", opts.rank, err)
	}
	log.Info("worker finished")
	return nil
}
