package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the prometheus surface for local scraping, independent of the
// queued dashboard uploads.
type Metrics struct {
	PH           prometheus.Gauge
	Temperature  prometheus.Gauge
	ReadingValid prometheus.Gauge
	Connectivity prometheus.Gauge // 0 disconnected, 1 connecting, 2 degraded, 3 connected
	QueueDepth   prometheus.Gauge
	Sent         prometheus.Counter
	SendFailures prometheus.Counter
	Dropped      prometheus.Counter
	Doses        *prometheus.CounterVec
	Failsafes    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PH: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tubpi", Name: "ph", Help: "Latest calibrated pH reading.",
		}),
		Temperature: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tubpi", Name: "temperature_celsius", Help: "Latest water temperature.",
		}),
		ReadingValid: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tubpi", Name: "reading_valid", Help: "1 when the latest pH reading is trusted.",
		}),
		Connectivity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tubpi", Name: "connectivity_state", Help: "0 disconnected, 1 connecting, 2 degraded, 3 connected.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tubpi", Subsystem: "telemetry", Name: "queue_depth", Help: "Records waiting for upload.",
		}),
		Sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tubpi", Subsystem: "telemetry", Name: "sent_total", Help: "Records acknowledged by the broker.",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tubpi", Subsystem: "telemetry", Name: "send_failures_total", Help: "Upload attempts that failed.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tubpi", Subsystem: "telemetry", Name: "dropped_total", Help: "Records dropped on queue overflow.",
		}),
		Doses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tubpi", Subsystem: "doser", Name: "events_total", Help: "Dose events by outcome.",
		}, []string{"outcome"}),
		Failsafes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tubpi", Subsystem: "daemon", Name: "failsafe_total", Help: "Forced fail-safe activations.",
		}),
	}
}
