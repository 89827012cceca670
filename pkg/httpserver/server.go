// Package httpserver wraps net/http with graceful shutdown and
// environment-driven configuration. Signal handling is the caller's
// responsibility; Run stops when its context is canceled.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrStart indicates the server failed to start or crashed while serving.
	ErrStart = errors.New("http server failed")
	// ErrShutdown indicates graceful shutdown did not complete in time.
	ErrShutdown = errors.New("http server shutdown failed")
)

// Config carries the listener settings, loaded from the environment.
type Config struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Server runs one http.Server with bounded graceful shutdown.
type Server struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	srv  *http.Server
	once sync.Once
}

// Option adjusts server construction.
type Option func(*Server)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a server from explicit config.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg: cfg,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig is an alias kept for call sites that load Config from the
// environment.
func NewFromConfig(cfg Config, opts ...Option) *Server {
	return New(cfg, opts...)
}

// Run serves handler until ctx is canceled or the listener fails, then
// shuts down gracefully. It blocks for the lifetime of the server.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return errors.Join(ErrStart, errors.New("server already running"))
	}
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.InfoContext(ctx, "http server listening", slog.String("addr", s.cfg.Addr))

	var runErr error
	select {
	case <-ctx.Done():
		if err := s.Shutdown(context.Background()); err != nil {
			s.log.ErrorContext(ctx, "shutdown failed", slog.Any("error", err))
		}
		runErr = <-errCh
	case runErr = <-errCh:
	}

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		return errors.Join(ErrStart, runErr)
	}
	s.log.InfoContext(ctx, "http server stopped")
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests within
// the configured deadline. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		srv := s.srv
		s.mu.Unlock()
		if srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		err = srv.Shutdown(ctx)
	})
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrShutdown, err)
	}
	return nil
}
