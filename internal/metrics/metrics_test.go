package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionEnded(true)
		m.SubscriberAdded()
		m.SubscriberRemoved()
		m.PacketPublished(188)
		m.RTSPRequest("OPTIONS", 200)
		m.IncAuthFailures()
		m.RelayPacket("cam", "video")
	})
}

func TestSessionLifecycle(t *testing.T) {
	m := New()

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded(true)
	m.SessionEnded(false)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transcoderSpawns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idleTeardowns))

	m.PacketPublished(188)
	m.PacketPublished(188)
	assert.Equal(t, 376.0, testutil.ToFloat64(m.bytesPublished))

	m.RTSPRequest("FOO", 400)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rtspRequests.WithLabelValues("FOO", "4xx")))
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal))
}

func TestHandler(t *testing.T) {
	m := New()
	called := false
	srv := httptest.NewServer(m.Handler(func() { called = true }))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, called)
	assert.Contains(t, string(body), "hubstream_rebroadcast_sessions")
}
