package dist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/metrics"
)

// WorkerFunc is the body run by every rank.
type WorkerFunc func(ctx context.Context, g Group) error

type LaunchOptions struct {
	WorldSize int
	// Backend is BackendLocal or BackendFlight. Empty means local.
	Backend string
	// Addr is the host:port the Flight store binds. Ignored by the local backend.
	Addr string
	// Name scopes round keys; a fresh uuid is used when empty.
	Name string
	// ShutdownTimeout bounds draining the store after the workers return.
	ShutdownTimeout time.Duration
}

func (o LaunchOptions) name() string {
	if o.Name != "" {
		return o.Name
	}
	return uuid.NewString()
}

func (o LaunchOptions) shutdownTimeout() time.Duration {
	if o.ShutdownTimeout > 0 {
		return o.ShutdownTimeout
	}
	return 10 * time.Second
}

// Spawn runs fn on WorldSize goroutine workers, each bound to its rank's group. The
// first worker to fail cancels the others and its error is returned.
func Spawn(ctx context.Context, opts LaunchOptions, fn WorkerFunc) error {
	if opts.WorldSize <= 0 {
		return fmt.Errorf("%w: world size %d", ErrBadRank, opts.WorldSize)
	}
	name := opts.name()
	log := logger.Log.With("launch", name, "backend", opts.Backend, "world_size", opts.WorldSize)

	var (
		groups []Group
		server *StoreServer
	)
	switch opts.Backend {
	case "", BackendLocal:
		var hub *Hub
		var err error
		groups, hub, err = NewLocalGroups(name, opts.WorldSize)
		if err != nil {
			return err
		}
		defer hub.Close()
	case BackendFlight:
		// The store binds before any worker starts so a taken port fails the launch
		// up front.
		server = NewStoreServer(opts.WorldSize)
		if err := server.Listen(opts.Addr); err != nil {
			return err
		}
		server.Start()
		addr := server.Addr().String()
		for rank := 0; rank < opts.WorldSize; rank++ {
			tr, err := dialFlight(addr, opts.WorldSize)
			if err != nil {
				closeGroups(groups)
				_ = server.Shutdown(ctx)
				return err
			}
			groups = append(groups, newGroup(name, rank, opts.WorldSize, tr))
		}
	default:
		return fmt.Errorf("%w: %q", ErrBackend, opts.Backend)
	}

	log.Info("spawning workers")
	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() (err error) {
			metrics.RecordWorkerStart()
			defer metrics.RecordWorkerStop()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
				}
				if err != nil {
					err = fmt.Errorf("rank %d: %w", g.Rank(), err)
				}
			}()
			return fn(egCtx, g)
		})
	}
	runErr := eg.Wait()

	closeErr := closeGroups(groups)
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout())
		defer cancel()
		// A failed run leaves rounds that will never drain.
		if runErr != nil {
			server.Hub().Close()
		}
		closeErr = errors.Join(closeErr, server.Shutdown(shutdownCtx))
	}
	if runErr != nil {
		log.Error("launch failed", "error", runErr)
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("close groups: %w", closeErr)
	}
	log.Info("workers finished")
	return nil
}

func closeGroups(groups []Group) error {
	var errs []error
	for _, g := range groups {
		errs = append(errs, g.Close(context.Background()))
	}
	return errors.Join(errs...)
}

// RerunIfAddressInUse calls run until it succeeds, fails with something other than
// an address-in-use error, or maxTries attempts have been made. attempt counts from 0.
func RerunIfAddressInUse(ctx context.Context, maxTries int, run func(ctx context.Context, attempt int) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}
	var err error
	for attempt := 0; attempt < maxTries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = run(ctx, attempt)
		if err == nil || !IsAddressInUse(err) {
			return err
		}
		if attempt+1 < maxTries {
			metrics.RecordLaunchRetry()
			logger.Log.Warn("rendezvous address in use, relaunching", "attempt", attempt+1, "max_tries", maxTries, "error", err)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxTries, err)
}

// FreePort asks the kernel for an unused TCP port on host. The port is released
// before returning, so another process may still grab it.
func FreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("find free port on %s: %w", host, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// FreeAddr is FreePort joined back with host.
func FreeAddr(host string) (string, error) {
	port, err := FreePort(host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

type InitOptions struct {
	Rank      int
	WorldSize int
	// Addr is where rank 0 hosts the Flight store and where the other ranks dial it.
	Addr string
	Name string
}

// Init joins a Flight group as a single rank of a multi-process launch. Rank 0 hosts
// the store; closing its group waits until the other ranks have collected every round.
func Init(ctx context.Context, opts InitOptions) (Group, error) {
	if opts.WorldSize <= 0 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrBadRank, opts.Rank, opts.WorldSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = "shardcheck"
	}

	var server *StoreServer
	if opts.Rank == 0 {
		server = NewStoreServer(opts.WorldSize)
		if err := server.Listen(opts.Addr); err != nil {
			return nil, err
		}
		server.Start()
	}
	tr, err := dialFlight(opts.Addr, opts.WorldSize)
	if err != nil {
		if server != nil {
			server.Hub().Close()
			_ = server.Shutdown(ctx)
		}
		return nil, err
	}
	tr.server = server
	logger.Log.Debug("joined flight group", "rank", opts.Rank, "world_size", opts.WorldSize, "addr", opts.Addr)
	return newGroup(name, opts.Rank, opts.WorldSize, tr), nil
}
