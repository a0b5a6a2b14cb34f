// Package metrics は carbot の Prometheus メトリクスを定義する。
//
// 記録用メソッドはすべて nil レシーバでも安全に呼べるため、
// メトリクス無しでも各コンポーネントはそのまま動作する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carbot"

// Metrics はロボット全体のメトリクス
type Metrics struct {
	// 制御ループ
	ControlTicks   prometheus.Counter
	ActuatorWrites *prometheus.CounterVec
	FailsafeStops  prometheus.Counter
	MuxSelections  *prometheus.CounterVec

	// センサー・カメラ
	DriverSamples *prometheus.CounterVec
	DriverErrors  *prometheus.CounterVec

	// 映像パイプライン
	PipelineFrames *prometheus.CounterVec
	JPEGBytes      prometheus.Histogram
	StreamClients  prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec
}

// New はメトリクスを生成し reg に登録する。reg が nil の場合は登録しない。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ControlTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "ticks_total",
			Help:      "Total number of control loop ticks",
		}),
		ActuatorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "actuator_writes_total",
			Help:      "Actuator writes that passed write suppression",
		}, []string{"actuator"}),
		FailsafeStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "failsafe_substitutions_total",
			Help:      "Ticks where no fresh motor command existed and a stop was substituted",
		}),
		MuxSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "selections_total",
			Help:      "Mux picks by selected source (none when every source was stale)",
		}, []string{"mux", "source"}),
		DriverSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "samples_total",
			Help:      "Samples published by polling drivers",
		}, []string{"driver"}),
		DriverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "read_errors_total",
			Help:      "Transient read failures inside polling drivers",
		}, []string{"driver"}),
		PipelineFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vision",
			Name:      "frames_total",
			Help:      "Frames handled by each vision stage",
		}, []string{"stage", "result"}),
		JPEGBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vision",
			Name:      "jpeg_bytes",
			Help:      "Encoded JPEG size in bytes",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 8),
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Connected MJPEG stream clients",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "requests_total",
			Help:      "HTTP requests served by the streaming service",
		}, []string{"route", "code"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ControlTicks,
			m.ActuatorWrites,
			m.FailsafeStops,
			m.MuxSelections,
			m.DriverSamples,
			m.DriverErrors,
			m.PipelineFrames,
			m.JPEGBytes,
			m.StreamClients,
			m.HTTPRequests,
		)
	}
	return m
}

// Handler は /metrics 用のハンドラを返す
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ControlTicks.Inc()
}

func (m *Metrics) ActuatorWrite(actuator string) {
	if m == nil {
		return
	}
	m.ActuatorWrites.WithLabelValues(actuator).Inc()
}

func (m *Metrics) Failsafe() {
	if m == nil {
		return
	}
	m.FailsafeStops.Inc()
}

// MuxPick は mux の選択結果を記録する。source が空なら "none" として数える。
func (m *Metrics) MuxPick(mux, source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.MuxSelections.WithLabelValues(mux, source).Inc()
}

func (m *Metrics) Sample(driver string) {
	if m == nil {
		return
	}
	m.DriverSamples.WithLabelValues(driver).Inc()
}

func (m *Metrics) ReadError(driver string) {
	if m == nil {
		return
	}
	m.DriverErrors.WithLabelValues(driver).Inc()
}

func (m *Metrics) Frame(stage, result string) {
	if m == nil {
		return
	}
	m.PipelineFrames.WithLabelValues(stage, result).Inc()
}

func (m *Metrics) JPEG(size int) {
	if m == nil {
		return
	}
	m.JPEGBytes.Observe(float64(size))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.StreamClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.StreamClients.Dec()
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
