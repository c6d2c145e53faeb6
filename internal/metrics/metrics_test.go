package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAction(t *testing.T) {
	m := New()
	m.RecordAction("navigate", "playwright", true, "", 200*time.Millisecond)
	m.RecordAction("navigate", "playwright", false, "dispatch", time.Second)
	m.RecordAction("navigate", "playwright", false, "dispatch", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("navigate", "playwright", "success", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("navigate", "playwright", "failure", "dispatch")))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/v1/sessions/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `http_requests_total{method="GET",route="/v1/sessions/{id}",status="404"} 3`)
}

func TestDiscoveryAndSessions(t *testing.T) {
	m := New()
	m.RecordDiscovery("discovered-via-probe", 3*time.Second)
	m.SetSessionsActive(4)
	m.RecordSessionEnd("TIMED_OUT")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscoveryTotal.WithLabelValues("discovered-via-probe")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("TIMED_OUT")))
}
