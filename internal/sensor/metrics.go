package sensor

import "github.com/prometheus/client_golang/prometheus"

// Peer fetch outcomes recorded by Metrics.PeerFetch.
const (
	fetchOK        = "ok"
	fetchDialError = "dial_error"
	fetchError     = "fetch_error"
)

// Metrics holds the Prometheus collectors of one sensor client. A nil
// *Metrics records nothing.
type Metrics struct {
	Cycles         prometheus.Counter
	PeerFetch      *prometheus.CounterVec
	ReportAttempts prometheus.Counter
	Reports        prometheus.Counter
	PeerServed     prometheus.Counter
	LoopRunning    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensor_cycles_total",
			Help: "Measurement cycles started.",
		}),
		PeerFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_peer_fetch_total",
			Help: "Attempts to fetch the closest peer's reading, by result.",
		}, []string{"result"}),
		ReportAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensor_report_attempts_total",
			Help: "Measurement reports sent to the directory, including retries.",
		}),
		Reports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensor_reports_total",
			Help: "Measurement reports acknowledged by the directory.",
		}),
		PeerServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensor_peer_requests_served_total",
			Help: "Measurement requests answered for other sensors.",
		}),
		LoopRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensor_loop_running",
			Help: "1 while the measurement loop runs.",
		}),
	}
	reg.MustRegister(m.Cycles, m.PeerFetch, m.ReportAttempts, m.Reports, m.PeerServed, m.LoopRunning)
	return m
}

func (m *Metrics) cycle() {
	if m != nil {
		m.Cycles.Inc()
	}
}

func (m *Metrics) peerFetch(result string) {
	if m != nil {
		m.PeerFetch.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) reportAttempt() {
	if m != nil {
		m.ReportAttempts.Inc()
	}
}

func (m *Metrics) reported() {
	if m != nil {
		m.Reports.Inc()
	}
}

func (m *Metrics) loopRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.LoopRunning.Set(1)
	} else {
		m.LoopRunning.Set(0)
	}
}

func (m *Metrics) served() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.PeerServed
}
