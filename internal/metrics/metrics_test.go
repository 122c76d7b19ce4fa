package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.TaskDone("gen_forecast", "success", 0.2)
	m.TaskDone("gen_forecast", "success", 0.1)
	m.TaskRetried()
	m.SetQueueDepth(7)
	m.RelaySubmit("pdl_completion", false)
	m.SetLink("linked", []string{"solo", "linked"}, "primary", []string{"primary", "secondary"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksExecuted.WithLabelValues("gen_forecast", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRetries))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelaySubmitted.WithLabelValues("pdl_completion", "false")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LinkState.WithLabelValues("solo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PrimaryState.WithLabelValues("primary")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskDone("x", "y", 1)
	m.Transition("intake")
	m.RelayReplicated(3)
	assert.Nil(t, m.Handler())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Transition("forecast")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `aafs_timeline_transitions_total{actcode="forecast"} 1`)

	// Separate instances do not collide.
	New().Transition("forecast")
}
