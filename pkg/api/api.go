package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runwatch/pkg/archive"
	"github.com/ethpandaops/runwatch/pkg/broadcast"
	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/monitor"
	"github.com/ethpandaops/runwatch/pkg/orchestrator"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr is the bound listen address once started.
	Addr() string
}

// Options holds the services the API fronts.
type Options struct {
	Orchestrator orchestrator.Orchestrator
	Monitor      monitor.Service
	Hub          broadcast.Hub
	// Archiver is optional; without it report links are unavailable.
	Archiver archive.Archiver
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log          logrus.FieldLogger
	cfg          *config.ServerConfig
	orchestrator orchestrator.Orchestrator
	monitor      monitor.Service
	hub          broadcast.Hub
	archiver     archive.Archiver
	httpServer   *http.Server
	listener     net.Listener
	wg           sync.WaitGroup
	done         chan struct{}
	stopOnce     sync.Once
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.ServerConfig, opts Options) Server {
	return &server{
		log:          log.WithField("component", "api"),
		cfg:          cfg,
		orchestrator: opts.Orchestrator,
		monitor:      opts.Monitor,
		hub:          opts.Hub,
		archiver:     opts.Archiver,
		done:         make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

func (s *server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}

	return s.listener.Addr().String()
}

// Stop ends live streams and gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
