package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()

	m.ObserveTool("ffmpeg", "success", 2*time.Second)
	m.ObserveTool("ffmpeg", "success", time.Second)
	m.ObserveTool("ffprobe", "error", time.Millisecond)
	m.Event("audio_finished", "applied")
	m.Event("video_first_pass_finished", "rejected")
	m.StatusRequest(true)
	m.StatusRequest(false)
	m.JobFinished("completed", time.Minute)
	m.SetJobs(2, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolInvocations.WithLabelValues("ffmpeg", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolInvocations.WithLabelValues("ffprobe", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("video_first_pass_finished", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statusRequests.WithLabelValues("unanswered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsActive))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.jobsQueued))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTool("ffmpeg", "success", time.Second)
	m.Event("x", "dropped")
	m.StatusRequest(false)
	m.JobFinished("failed", 0)
	m.SetJobs(0, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTool("ffmpeg", "success", time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `overseer_tool_invocations_total{reason="success",tool="ffmpeg"} 1`)
	assert.Contains(t, string(body), "overseer_tool_duration_seconds_bucket")
}
