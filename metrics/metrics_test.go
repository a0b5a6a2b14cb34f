package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Tick()
		m.ActuatorWrite("motor")
		m.Failsafe()
		m.MuxPick("motor", "kb")
		m.Sample("infrared")
		m.ReadError("ultrasonic")
		m.Frame("encoder", "ok")
		m.JPEG(100)
		m.ClientConnected()
		m.ClientDisconnected()
		m.Request("/", 200)
	})
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Tick()
	m.Tick()
	m.MuxPick("motor", "")
	m.ActuatorWrite("servo")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ControlTicks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MuxSelections.WithLabelValues("motor", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActuatorWrites.WithLabelValues("servo")))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Tick()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carbot_control_ticks_total 1")
}
