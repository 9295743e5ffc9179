package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/pkg/metrics"
)

// newTestServer gives each test its own metrics namespace: promauto
// registers collectors against the global Prometheus registry, and two
// HTTPMetrics instances sharing a namespace/subsystem would collide.
func newTestServer(t *testing.T, q QueueInspector) *Server {
	t.Helper()
	m := metrics.NewHTTPMetricsWithNamespace("pgstatsinfo_test", t.Name())
	return New("127.0.0.1:0", q, m, nil)
}

func TestHealthz(t *testing.T) {
	q := queue.New(nil)
	srv := newTestServer(t, q)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestDebugQueue(t *testing.T) {
	q := queue.New(nil)
	q.Send(queue.NewItem(queue.KindSnapshot, noopExecutor{}))
	srv := newTestServer(t, q)

	req := httptest.NewRequest(http.MethodGet, "/debug/queue", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"length":1`)
	assert.Contains(t, rec.Body.String(), `"snapshot":true`)
}

func TestMetrics(t *testing.T) {
	q := queue.New(nil)
	srv := newTestServer(t, q)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	return nil
}
func (noopExecutor) Release() {}
