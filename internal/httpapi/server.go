// Package httpapi exposes the agent's internal observability surface:
// Prometheus metrics, a liveness probe, and a debug endpoint dumping
// the Writer's queue depth by kind. None of this is the monitored
// server's own data; it is purely about the agent process itself.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/pkg/logger"
	"github.com/pgstatsinfo/agent/pkg/metrics"
	"github.com/pgstatsinfo/agent/pkg/middleware"
)

// QueueInspector is the narrow view of the queue the /debug/queue
// handler needs.
type QueueInspector interface {
	Len() int
	HasKind(kind queue.Kind) bool
}

// Server wraps an http.Server bound to the router built by New.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the router: RequestID/logging middleware, security
// headers, and Prometheus's own instrumentation wrap every route. The
// surface is internal-only, so it carries no auth, CORS, or
// rate-limit layers.
func New(addr string, q QueueInspector, metricsHandler *metrics.HTTPMetrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if metricsHandler == nil {
		metricsHandler = metrics.NewHTTPMetricsWithNamespace("pgstatsinfo", "agent")
	}

	r := mux.NewRouter()
	r.Use(logger.LoggingMiddleware(log))
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig()))
	r.Use(metricsHandler.Middleware)

	r.Handle("/metrics", metricsHandler.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/debug/queue", debugQueueHandler(q)).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log,
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func debugQueueHandler(q QueueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"length": q.Len(),
			"kinds": map[string]bool{
				"snapshot":    q.HasKind(queue.KindSnapshot),
				"checkpoint":  q.HasKind(queue.KindCheckpoint),
				"autovacuum":  q.HasKind(queue.KindAutovacuum),
				"autoanalyze": q.HasKind(queue.KindAutoanalyze),
				"hardware":    q.HasKind(queue.KindHardwareInfo),
				"maintenance": q.HasKind(queue.KindMaintenance),
				"log_batch":   q.HasKind(queue.KindLogBatch),
			},
		})
	}
}

// Run starts the server and blocks until ctx is cancelled, then
// attempts a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
