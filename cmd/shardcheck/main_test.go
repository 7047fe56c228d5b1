package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/dist"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandLocal(t *testing.T) {
	out, err := execute(t, "run", "--backend", "local", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "PASS: 4 cases x 4 checks on 2 workers (local backend)")
}

func TestRunCommandFlightFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: flight\nhost: 127.0.0.1\nlog_level: error\n"), 0o644))

	out, err := execute(t, "run", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "(flight backend)")
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: flight\nlog_format: json\n"), 0o644))

	opts := &rootOptions{}
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--backend", "local"}))
	opts.configPath = path
	opts.backend = "local"

	cfg, err := opts.load(cmd)
	require.NoError(t, err)
	assert.Equal(t, config.BackendLocal, cfg.Backend)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestInvalidBackendIsRejected(t *testing.T) {
	_, err := execute(t, "run", "--backend", "nccl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestWorkerRequiresAddr(t *testing.T) {
	_, err := execute(t, "worker", "--rank", "0")
	require.Error(t, err)
}

func TestWorkerExit(t *testing.T) {
	assert.NoError(t, workerExit(0, nil))

	err := workerExit(0, exec.Command("sh", "-c", "exit 98").Run())
	assert.True(t, errors.Is(err, dist.ErrAddressInUse), "exit 98 should map to address in use, got %v", err)

	err = workerExit(1, exec.Command("sh", "-c", "exit 3").Run())
	require.Error(t, err)
	assert.False(t, dist.IsAddressInUse(err))
	assert.Contains(t, err.Error(), "worker rank 1")
}

func TestWorkerExitCodeOnAddressInUse(t *testing.T) {
	err := &exitError{code: exitAddressInUse, err: dist.ErrAddressInUse}
	var ee *exitError
	require.True(t, errors.As(error(err), &ee))
	assert.Equal(t, 98, ee.code)
	assert.ErrorIs(t, err, dist.ErrAddressInUse)
}

func TestRendezvousAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 29500

	addr, err := rendezvousAddr(cfg, 0)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:29500", addr)

	addr, err = rendezvousAddr(cfg, 1)
	require.NoError(t, err)
	assert.NotEqual(t, "127.0.0.1:29500", addr)
}
