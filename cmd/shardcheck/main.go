package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/logger"
)

// exitAddressInUse is the worker exit code telling `launch` to retry on a new port.
const exitAddressInUse = 98

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath  string
	logLevel    string
	logFormat   string
	backend     string
	metricsAddr string
	stateDir    string

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "shardcheck",
		Short: "Verify tensor-parallel GPT-2 fused linear layers against their dense reference",
		Long: `shardcheck builds a dense GPT-2 Conv1D, shards it column-wise, row-wise and as a
fused layer with and without a deferred gradient store, and checks that every sharded
layer reproduces the dense outputs and weight gradients.

The checks run for every combination of lazy initialization and sequence parallel mode
on every worker of the group.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file (defaults are used when empty)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: console or json")
	pf.StringVar(&opts.backend, "backend", "", "collective backend: local or flight")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	pf.StringVar(&opts.stateDir, "state-dir", "", "write every dense state dict to Arrow files under this directory")

	root.AddCommand(newRunCmd(opts), newWorkerCmd(opts), newLaunchCmd(opts))
	return root
}

// load reads the config file and applies the flags that were set explicitly.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = o.stateDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
