package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/media-overseer/pkg/auth"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/middleware"
	"github.com/psantana5/media-overseer/pkg/ratelimit"
	overseertls "github.com/psantana5/media-overseer/pkg/tls"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

// ServerConfig holds listener settings
type ServerConfig struct {
	Addr         string
	TLS          overseertls.Config
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	RateLimit float64 // requests per second per client, 0 disables
	RateBurst int
}

// Server is the HTTP front of the job manager
type Server struct {
	cfg     ServerConfig
	http    *http.Server
	limiter *ratelimit.Limiter
	logger  *logging.Logger
}

// NewRouter wires the middleware chain around the API routes.
// Order from the outside: request ID, access log, tracing, auth, rate limit.
func NewRouter(h *Handler, keys *auth.APIKeyAuth, limiter *ratelimit.Limiter, tp *tracing.Provider, logger *logging.Logger) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	var handler http.Handler = r
	if limiter != nil {
		handler = limiter.Middleware(ratelimit.APIKeyFunc)(handler)
	}
	handler = keys.Middleware("/health", "/metrics")(handler)
	if tp != nil {
		handler = tracing.HTTPMiddleware(tp)(handler)
	}
	if logger != nil {
		handler = middleware.AccessLog(logger.Component("http"))(handler)
	}
	return middleware.RequestID(handler)
}

// NewServer creates the API server
func NewServer(cfg ServerConfig, h *Handler, keys *auth.APIKeyAuth, tp *tracing.Provider, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{cfg: cfg, logger: logger.Component("server")}
	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(h, keys, s.limiter, tp, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	if cfg.TLS.Enabled() {
		tc, err := cfg.TLS.ServerConfig()
		if err != nil {
			return nil, err
		}
		s.http.TLSConfig = tc
	}
	return s, nil
}

// HTTPServer exposes the underlying server for graceful shutdown
func (s *Server) HTTPServer() *http.Server {
	return s.http
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.limiter != nil {
		go s.sweepLimiters(ctx)
	}

	var err error
	if s.http.TLSConfig != nil {
		s.logger.Info("API listening (TLS)", logging.Fields{"addr": l.Addr().String()})
		err = s.http.ServeTLS(l, "", "")
	} else {
		s.logger.Info("API listening", logging.Fields{"addr": l.Addr().String()})
		err = s.http.Serve(l)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe binds cfg.Addr and serves
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, l)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
				s.logger.Debug("dropped idle rate limiters", logging.Fields{"count": n})
			}
		}
	}
}
