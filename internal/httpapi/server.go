// Package httpapi hosts the query/SSE façade described in the external
// interfaces: four read endpoints over the Aggregates Store plus the
// ambient /healthz and /metrics endpoints, routed with gorilla/mux and
// wrapped with rs/cors.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/aggregates"
	"github.com/quietledger/gabriel/internal/subscriber"
	"github.com/quietledger/gabriel/internal/utxoindex"
)

// Config configures the HTTP server.
type Config struct {
	Addr            string // default ":3000"
	ShutdownTimeout time.Duration
}

// Server is the HTTP/SSE façade.
type Server struct {
	http            *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// New builds a Server around the Aggregates Store, UTXO Index (for
// /healthz's chain tip) and Subscriber Bus (for /api/blocks/stream).
func New(cfg Config, store *aggregates.Store, index *utxoindex.Store, bus *subscriber.Bus, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Router(store, index, bus, logger),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // the SSE stream handler manages its own lifetime
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	return &Server{http: srv, shutdownTimeout: cfg.ShutdownTimeout, logger: logger}
}

type handlers struct {
	store  *aggregates.Store
	index  *utxoindex.Store
	bus    *subscriber.Bus
	logger *zap.Logger
}

// Router builds the route table in isolation from the listener, so it can
// be exercised directly over httptest without binding a port.
func Router(store *aggregates.Store, index *utxoindex.Store, bus *subscriber.Bus, logger *zap.Logger) http.Handler {
	h := &handlers{store: store, index: index, bus: bus, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/api/blocks/latest", h.latest).Methods(http.MethodGet)
	router.HandleFunc("/api/block/hash/{hash}", h.byHash).Methods(http.MethodGet)
	router.HandleFunc("/api/block/height/{height}", h.byHeight).Methods(http.MethodGet)
	router.HandleFunc("/api/blocks/stream", h.stream).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return cors.Default().Handler(router)
}

// Run serves until ctx is canceled, then drains in-flight requests within
// the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
