// Package server exposes a graph engine over a binary TCP protocol.
//
// Each accepted connection processes requests sequentially while many
// connections run concurrently. Frames follow the wire package layout:
// a big-endian length prefix and a tagged little-endian body. Failed
// requests answer with wire.ErrorResponse; malformed frames close the
// connection that sent them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemo-db/mnemo/embed"
	"github.com/mnemo-db/mnemo/model"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Backend is the graph surface requests dispatch to. Both
// engine.Engine and shard.Cluster satisfy it.
type Backend interface {
	Learn(ctx context.Context, content []byte, vector []float32, meta map[string]string) (model.ConceptID, error)
	AddEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind, weight float64) error
	Search(ctx context.Context, query []float32, k, efSearch int) ([]model.SearchResult, error)
	GetConcept(id model.ConceptID) (*model.Concept, error)
	DeleteConcept(ctx context.Context, id model.ConceptID) error
	Reinforce(ctx context.Context, id model.ConceptID, delta float64) error
	Stats() model.Stats
	Flush(ctx context.Context) error
	Health() error
}

// Options configures the server.
type Options struct {
	// SlowThreshold is the elapsed time after which a completed request
	// is logged with its connection identity.
	SlowThreshold time.Duration

	// RequestTimeout bounds reading and dispatching a single request;
	// the response write gets its own window of the same length. A
	// timed-out connection is dropped after its error reply.
	RequestTimeout time.Duration

	// Source fills the vector for Learn requests that arrive without
	// one. With no source configured such concepts stay vectorless.
	Source embed.Source

	// Metrics is served at GET /metrics on the admin handler. Nil falls
	// back to the process-wide Prometheus handler.
	Metrics http.Handler

	// Logger receives connection lifecycle and slow-request events.
	Logger *slog.Logger
}

// DefaultOptions holds the default server configuration.
var DefaultOptions = Options{
	SlowThreshold:  500 * time.Millisecond,
	RequestTimeout: 30 * time.Second,
}

// Server serves the wire protocol for a Backend.
type Server struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
	closed   bool
}

// New creates a server for the given backend.
func New(backend Backend, optFns ...func(o *Options)) *Server {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Server{
		backend: backend,
		opts:    opts,
		logger:  logger,
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called. The accept
// loop and every connection handler run in one errgroup, so Serve
// returns only after all handlers have drained.
func (s *Server) Serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))

	group.Go(func() error {
		return s.acceptLoop(ctx, group, ln)
	})

	return group.Wait()
}

// acceptLoop hands each accepted connection to the group. Connection
// handlers return nil so one broken peer never stops the server.
func (s *Server) acceptLoop(ctx context.Context, group *errgroup.Group, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept error", slog.Any("error", err))
			continue
		}

		group.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
}

// Shutdown closes the listener, cancels in-flight requests and waits
// for connection handlers to drain. The context bounds the wait.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln, cancel, group := s.listener, s.cancel, s.group
	s.listener, s.cancel, s.group = nil, nil, nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	lnErr := ln.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		group.Wait() //nolint errcheck: Serve reports the group error
		close(done)
	}()

	select {
	case <-done:
		if lnErr != nil && !errors.Is(lnErr, net.ErrClosed) {
			return lnErr
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
