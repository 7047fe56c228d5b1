package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/metrics"
)

// workerProcessEnv makes the test binary behave as the shardcheck binary, so
// launchProcesses can re-exec it as worker processes.
const workerProcessEnv = "SHARDCHECK_TEST_AS_BINARY"

func TestMain(m *testing.M) {
	if os.Getenv(workerProcessEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func selfBinary(t *testing.T) string {
	t.Helper()
	t.Setenv(workerProcessEnv, "1")
	bin, err := os.Executable()
	require.NoError(t, err)
	return bin
}

func launchConfig() config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.LogLevel = "error"
	return cfg
}

// holdPort binds a port on 127.0.0.1 for the duration of the test.
func holdPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func TestLaunchProcesses(t *testing.T) {
	bin := selfBinary(t)
	cfg := launchConfig()

	retries := testutil.ToFloat64(metrics.LaunchRetries)
	require.NoError(t, launchProcesses(context.Background(), cfg, bin, []string{"--log-level", "error"}))
	assert.Equal(t, retries, testutil.ToFloat64(metrics.LaunchRetries), "a free port needs no relaunch")
}

func TestLaunchProcessesRelaunchesWhenPortHeld(t *testing.T) {
	bin := selfBinary(t)
	cfg := launchConfig()
	cfg.Port = holdPort(t)

	retries := testutil.ToFloat64(metrics.LaunchRetries)
	require.NoError(t, launchProcesses(context.Background(), cfg, bin, []string{"--log-level", "error"}))
	assert.Equal(t, retries+1, testutil.ToFloat64(metrics.LaunchRetries), "held port should cost exactly one relaunch")
}

func TestLaunchProcessesGivesUp(t *testing.T) {
	bin := selfBinary(t)
	cfg := launchConfig()
	cfg.Port = holdPort(t)
	cfg.MaxRetries = 1

	err := launchProcesses(context.Background(), cfg, bin, []string{"--log-level", "error"})
	require.Error(t, err)
	assert.ErrorIs(t, err, dist.ErrAddressInUse)
}

func TestRunRankSingleWorker(t *testing.T) {
	cfg := launchConfig()
	cfg.WorldSize = 1
	addr, err := dist.FreeAddr(cfg.Host)
	require.NoError(t, err)

	require.NoError(t, runRank(context.Background(), cfg, workerOptions{rank: 0, worldSize: 1, addr: addr, name: "single"}))
}

func TestRunRankAddressInUse(t *testing.T) {
	cfg := launchConfig()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(holdPort(t)))

	err := runRank(context.Background(), cfg, workerOptions{rank: 0, worldSize: cfg.WorldSize, addr: addr})
	require.Error(t, err)
	assert.True(t, dist.IsAddressInUse(err), "expected address in use, got %v", err)
}
