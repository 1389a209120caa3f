// Package server owns the HTTP listener: it wires the chi router, the
// uniform JSON error envelope for panics and unknown routes, identification
// headers, and the slow-client timeouts.
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

	"github.com/go-chi/chi/v5"

	"github.com/GuilhermeP96/adb-toolkit/auth"
)

const (
	// DefaultReadHeaderTimeout guards against slow-header clients.
	DefaultReadHeaderTimeout = 5 * time.Second
	// DefaultIdleTimeout is a backstop for connections that linger despite
	// the one-response-per-connection contract.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultShutdownGrace bounds the stop-time drain of in-flight requests.
	DefaultShutdownGrace = 5 * time.Second
)

// ClientGauge tracks connected client counts. May be nil.
type ClientGauge interface {
	ClientConnected()
	ClientDisconnected()
}

// Options configures the HTTP service.
type Options struct {
	Version string
	Logger  *slog.Logger
	Gauge   ClientGauge

	// Metrics, when set, is served at /metrics behind the gate.
	Metrics http.Handler
	Gate    *auth.Gate

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownGrace     time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.ReadHeaderTimeout <= 0 {
		out.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = DefaultShutdownGrace
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Service is the running HTTP endpoint surface.
type Service struct {
	router   chi.Router
	server   *http.Server
	listener net.Listener
	options  Options
	logger   *slog.Logger

	closeOnce sync.Once
}

// New builds the router and middleware stack. Mount domain handlers on
// Router() before calling Start.
func New(options Options) *Service {
	opts := options.withDefaults()

	// No RealIP middleware: the loopback grace in the auth gate trusts
	// RemoteAddr, and header-derived addresses would let remote callers
	// spoof it.
	router := chi.NewRouter()
	router.Use(identify(opts.Version))
	router.Use(recoverJSON(opts.Logger))

	if opts.Metrics != nil {
		router.Group(func(r chi.Router) {
			if opts.Gate != nil {
				r.Use(requireGate(opts.Gate))
			}
			r.Handle("/metrics", opts.Metrics)
		})
	}

	// While no route is registered chi serves NotFound without the middleware
	// stack, so the handler carries the identification headers itself.
	notFound := identify(opts.Version)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, "unknown endpoint")
	}))
	router.NotFound(notFound.ServeHTTP)

	return &Service{
		router:  router,
		options: opts,
		logger:  opts.Logger.With("component", "http"),
	}
}

// Router exposes the chi router for mounting handlers.
func (s *Service) Router() chi.Router {
	return s.router
}

// Start binds the listener and serves until Close.
func (s *Service) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.options.ReadHeaderTimeout,
		IdleTimeout:       s.options.IdleTimeout,
		ConnState:         s.trackConn,
	}
	// Every response carries Connection: close; disabling keep-alives makes
	// the server actually hang up after each exchange.
	s.server.SetKeepAlivesEnabled(false)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("http service listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close drains in-flight requests within the shutdown grace, then forces the
// remaining connections closed.
func (s *Service) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.server == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			closeErr = s.server.Close()
		}
	})
	return closeErr
}

func (s *Service) trackConn(conn net.Conn, state http.ConnState) {
	if s.options.Gauge == nil {
		return
	}
	switch state {
	case http.StateNew:
		s.options.Gauge.ClientConnected()
	case http.StateClosed, http.StateHijacked:
		s.options.Gauge.ClientDisconnected()
	}
}

func identify(version string) func(http.Handler) http.Handler {
	serverTag := "adb-agent/" + version
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", serverTag)
			w.Header().Set("Connection", "close")
			next.ServeHTTP(w, r)
		})
	}
}

// recoverJSON turns handler panics into the Internal error envelope instead
// of killing the connection with a blank 500.
func recoverJSON(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					if recovered == http.ErrAbortHandler {
						panic(recovered)
					}
					logger.Error("handler panic", "path", r.URL.Path, "panic", recovered)
					writeInternal(w, fmt.Sprint(recovered))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requireGate(gate *auth.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, denial := gate.Authenticate(r); denial != nil {
				writeEnvelope(w, denial.Status, denial.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeEnvelope(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	fmt.Fprintf(w, "{\"error\":%q}\n", message)
}

func writeInternal(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "{\"error\":\"internal_error\",\"message\":%q}\n", message)
}
