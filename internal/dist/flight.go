package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/tensor"
	"github.com/23skdu/longbow-shard/internal/tensorio"
)

const maxMessageSize = 256 << 20

// StoreServer is the Flight rendezvous store hosted by rank 0. Ranks DoPut their
// contribution with a one-element descriptor path holding the round key and DoGet
// the round's contributions with the key as ticket.
type StoreServer struct {
	flight.BaseFlightServer

	hub *Hub
	mem memory.Allocator
	srv flight.Server

	serveOnce sync.Once
	stopOnce  sync.Once
	started   bool
	serveErr  chan error
}

// NewStoreServer creates a store for a world of size ranks.
func NewStoreServer(size int) *StoreServer {
	return &StoreServer{
		hub:      NewHub(size),
		mem:      memory.NewGoAllocator(),
		serveErr: make(chan error, 1),
	}
}

// Listen binds addr. A taken port is reported as ErrAddressInUse.
func (s *StoreServer) Listen(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil,
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.srv.RegisterFlightService(s)
	if err := s.srv.Init(addr); err != nil {
		if IsAddressInUse(err) {
			return newAddressInUseError(addr, err)
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

// Start serves in the background.
func (s *StoreServer) Start() {
	s.serveOnce.Do(func() {
		s.started = true
		logger.Log.Debug("flight store listening", "addr", s.Addr().String(), "world_size", s.hub.Size())
		go func() {
			s.serveErr <- s.srv.Serve()
		}()
	})
}

func (s *StoreServer) Addr() net.Addr {
	return s.srv.Addr()
}

// Hub exposes the rendezvous state, mainly for draining before shutdown.
func (s *StoreServer) Hub() *Hub {
	return s.hub
}

// Shutdown waits (bounded by ctx) until every round has been collected, then stops serving.
// Later calls are no-ops.
func (s *StoreServer) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		drainErr := s.hub.WaitDrained(ctx)
		s.hub.Close()
		s.srv.Shutdown()
		if s.started {
			if serr := <-s.serveErr; serr != nil {
				logger.Log.Debug("flight store stopped", "error", serr)
			}
		}
		if drainErr != nil && !errors.Is(drainErr, ErrClosed) {
			err = fmt.Errorf("flight store shutdown: %w", drainErr)
		}
	})
	return err
}

func (s *StoreServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read contribution: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) != 1 {
		return status.Error(codes.InvalidArgument, "contribution needs a single-element descriptor path")
	}
	key := desc.Path[0]

	for rdr.Next() {
		entries, err := tensorio.Decode(rdr.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode contribution: %v", err)
		}
		for _, e := range entries {
			if err := s.hub.Deposit(key, e.Rank, e.Tensor); err != nil {
				return toStatus(err)
			}
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.Internal, "read contribution: %v", err)
	}
	return stream.Send(&flight.PutResult{})
}

func (s *StoreServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	key := string(tkt.GetTicket())
	parts, err := s.hub.Collect(stream.Context(), key)
	if err != nil {
		return toStatus(err)
	}

	entries := make([]tensorio.Entry, len(parts))
	for rank, p := range parts {
		entries[rank] = tensorio.Entry{Name: key, Rank: rank, Tensor: p}
	}
	rec := tensorio.Encode(s.mem, entries)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(s.mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return status.Errorf(codes.Internal, "write round %s: %v", key, err)
	}
	return w.Close()
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrDuplicate):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrBadRank):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// flightTransport is one rank's client of the store.
type flightTransport struct {
	client flight.Client
	mem    memory.Allocator
	size   int
	// server is set on the rank that hosts the store.
	server *StoreServer
}

func dialFlight(addr string, size int) (*flightTransport, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial flight store %s: %w", addr, err)
	}
	return &flightTransport{client: client, mem: memory.NewGoAllocator(), size: size}, nil
}

func (f *flightTransport) backend() string { return BackendFlight }

func (f *flightTransport) exchange(ctx context.Context, key string, rank int, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := f.put(ctx, key, rank, t); err != nil {
		return nil, err
	}
	return f.get(ctx, key)
}

func (f *flightTransport) put(ctx context.Context, key string, rank int, t *tensor.Tensor) error {
	// WaitForReady lets ranks start before the store is serving.
	stream, err := f.client.DoPut(ctx, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("open put stream: %w", err)
	}

	rec := tensorio.Encode(f.mem, []tensorio.Entry{{Name: key, Rank: rank, Tensor: t}})
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(f.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{key}})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("send contribution: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish contribution: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close put stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("put result: %w", err)
		}
	}
}

func (f *flightTransport) get(ctx context.Context, key string) ([]*tensor.Tensor, error) {
	stream, err := f.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(key)}, grpc.WaitForReady(true))
	if err != nil {
		return nil, fmt.Errorf("open get stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(f.mem))
	if err != nil {
		return nil, fmt.Errorf("read round: %w", err)
	}
	defer rdr.Release()

	parts := make([]*tensor.Tensor, f.size)
	for rdr.Next() {
		entries, err := tensorio.Decode(rdr.Record())
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Rank < 0 || e.Rank >= f.size {
				return nil, fmt.Errorf("%w: round %s carries rank %d", ErrBadRank, key, e.Rank)
			}
			parts[e.Rank] = e.Tensor
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read round: %w", err)
	}
	for rank, p := range parts {
		if p == nil {
			return nil, fmt.Errorf("%w: round %s missing rank %d", ErrMismatch, key, rank)
		}
	}
	return parts, nil
}

func (f *flightTransport) close(ctx context.Context) error {
	var errs []error
	if f.server != nil {
		errs = append(errs, f.server.Shutdown(ctx))
	}
	errs = append(errs, f.client.Close())
	return errors.Join(errs...)
}
