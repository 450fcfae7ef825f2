package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Brownie44l1/stylize-api/internal/handlers"
	"github.com/Brownie44l1/stylize-api/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wires the handlers into a router and owns the HTTP listener.
type Server struct {
	handler  *handlers.Handler
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	cfg      Config
	router   *mux.Router
}

// New builds the router. m and gatherer may both be nil to disable /metrics.
func New(h *handlers.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, cfg Config) *Server {
	s := &Server{
		handler:  h,
		metrics:  m,
		gatherer: gatherer,
		cfg:      cfg,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
		// Middleware only runs on matched routes; misses are counted as "unmatched".
		s.router.NotFoundHandler = s.metrics.Middleware(http.NotFoundHandler())
		s.router.MethodNotAllowedHandler = s.metrics.Middleware(http.HandlerFunc(methodNotAllowed))
	}

	s.router.HandleFunc("/", s.handler.Index).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handler.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/api/style-transfer", s.handler.StyleTransfer).Methods(http.MethodPost)

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}

// Router returns the full handler chain: request ids, CORS, then routing.
func (s *Server) Router() http.Handler {
	return handlers.RequestID(handlers.CORS(s.router))
}

// Run serves until ctx is cancelled, then drains in-flight requests for at most the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}

	return nil
}
