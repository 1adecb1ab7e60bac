package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened("relay")
	m.SessionClosed("relay")
	m.FrameRelayed(ToClient)
	m.FrameDropped(ToBackend)
	m.BackendFetch("ok")
	m.ConnectTimeout()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.SessionOpened("poll")
	m.SessionOpened("poll")
	m.SessionClosed("poll")
	m.FrameRelayed(ToClient)
	m.BackendFetch("timeout")
	m.ConnectTimeout()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("poll")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("poll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesRelayed.WithLabelValues(ToClient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendFetches.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectTimeouts))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "dashproxy_sessions_active")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
