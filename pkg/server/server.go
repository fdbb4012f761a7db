package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/barehub/pkg/logging"
	"github.com/odvcencio/barehub/pkg/repo"
)

const (
	DefaultAddr = "0.0.0.0:3001"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Options configures New.
type Options struct {
	Addr   string
	Logger *logging.Logger
	// Watch enables the refs watcher so pushes from other processes reach
	// the events feed.
	Watch bool
}

// Server exposes one repository over HTTP.
type Server struct {
	repo   *repo.Repo
	addr   string
	logger *logging.Logger
	watch  bool
	hub    *Hub

	handler http.Handler
}

func New(r *repo.Repo, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		repo:   r,
		addr:   addr,
		logger: logger,
		watch:  opts.Watch,
		hub:    NewHub(r, logger),
	}
	s.handler = Chain(s.routes(),
		Recover(logger),
		Logger(logger),
		RequestID,
		cors.AllowAll().Handler,
	)
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	gz := gzhttp.GzipHandler

	mux.Handle("GET /api/info", gz(http.HandlerFunc(s.handleInfo)))
	mux.Handle("GET /api/branches", gz(http.HandlerFunc(s.handleBranches)))
	mux.Handle("GET /api/tree/{branch}", gz(http.HandlerFunc(s.handleTree)))
	mux.Handle("GET /api/tree/{branch}/{path...}", gz(http.HandlerFunc(s.handleTree)))
	mux.Handle("GET /api/blob/{branch}/{path...}", gz(http.HandlerFunc(s.handleBlob)))
	mux.HandleFunc("POST /api/blob/{branch}/{path...}", s.handleEdit)

	// Hijacked connections cannot be compressed.
	mux.Handle("GET /api/events", s.hub)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the events hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server, the events hub and, when enabled, the refs
// watcher on ln. When ctx ends the listener stops accepting, in-flight
// requests get shutdownTimeout to finish and Serve returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.hub.Run(gctx)
	})
	if s.watch {
		g.Go(func() error {
			// Without the watcher only edits made here reach the feed.
			if err := s.watchRefs(gctx); err != nil {
				s.logger.Warn("refs watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	})
	return g.Wait()
}
