package pipeline

import "github.com/prometheus/client_golang/prometheus"

// BufferStats is a consistent snapshot of one EnhancedBuffer's counters,
// copied out under the buffer mutex.
type BufferStats struct {
	BytesWritten    uint64
	BytesRead       uint64
	BytesDropped    uint64
	OverflowEvents  uint64
	UnderflowEvents uint64
	PeakUsage       int
	Fill            int
	Capacity        int
	Watermark       Watermark
	Backpressure    bool
}

// Stats copies the buffer's counters out under lock.
func (b *EnhancedBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		BytesWritten:    b.BytesWritten,
		BytesRead:       b.BytesRead,
		BytesDropped:    b.BytesDropped,
		OverflowEvents:  b.OverflowEvents,
		UnderflowEvents: b.UnderflowEvents,
		PeakUsage:       b.PeakUsage,
		Fill:            b.totalFill(),
		Capacity:        b.capacity,
		Watermark:       watermarkOf(b.totalFill(), b.capacity),
		Backpressure:    b.backpressureActive,
	}
}

// LatencyEMA returns the current exponential moving average of per-tick
// service latency for d, in milliseconds.
func (p *DualPipeline) LatencyEMA(d Direction) float64 { return p.latencyEMA[d] }

// QuantumMS returns the current adaptive quantum.
func (p *DualPipeline) QuantumMS() int { return p.quantumMS }

func directionLabel(d Direction) string {
	if d == SerialToTCP {
		return "serial_to_tcp"
	}
	return "tcp_to_serial"
}

// Metrics holds the Prometheus instruments the pipeline exports, one gauge
// family per concern labelled by direction. Counters are exported as gauges
// set from the buffers' own cumulative tallies so a single Observe call
// publishes a consistent snapshot.
type Metrics struct {
	bytes        *prometheus.GaugeVec // labels: direction, op
	events       *prometheus.GaugeVec // labels: direction, kind
	latencyEMA   *prometheus.GaugeVec
	watermark    *prometheus.GaugeVec
	backpressure *prometheus.GaugeVec
	quantum      prometheus.Gauge
}

// NewMetrics registers the pipeline's instruments against reg. Pass
// prometheus.DefaultRegisterer outside of tests; nil skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modembridge", Subsystem: "pipeline", Name: "bytes",
			Help: "Cumulative bytes through each direction's buffer, by operation.",
		}, []string{"direction", "op"}),
		events: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modembridge", Subsystem: "pipeline", Name: "events",
			Help: "Cumulative overflow/underflow events per direction.",
		}, []string{"direction", "kind"}),
		latencyEMA: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modembridge", Subsystem: "pipeline", Name: "latency_ema_ms",
			Help: "Exponential moving average of per-tick service latency.",
		}, []string{"direction"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modembridge", Subsystem: "pipeline", Name: "watermark",
			Help: "Buffer watermark level: 0=EMPTY 1=LOW 2=NORMAL 3=HIGH 4=CRITICAL.",
		}, []string{"direction"}),
		backpressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modembridge", Subsystem: "pipeline", Name: "backpressure_active",
			Help: "1 while the direction's buffer refuses writes, else 0.",
		}, []string{"direction"}),
		quantum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modembridge", Subsystem: "pipeline", Name: "quantum_ms",
			Help: "Current adaptive scheduler quantum.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bytes, m.events, m.latencyEMA, m.watermark, m.backpressure, m.quantum)
	}
	return m
}

// Observe publishes the pipeline's current counters and scheduler state.
// Safe on a nil Metrics so callers need no enable flag.
func (p *DualPipeline) Observe(m *Metrics) {
	if m == nil {
		return
	}
	for d := SerialToTCP; d < numDirections; d++ {
		label := directionLabel(d)
		st := p.buffers[d].Stats()
		m.bytes.WithLabelValues(label, "written").Set(float64(st.BytesWritten))
		m.bytes.WithLabelValues(label, "read").Set(float64(st.BytesRead))
		m.bytes.WithLabelValues(label, "dropped").Set(float64(st.BytesDropped))
		m.events.WithLabelValues(label, "overflow").Set(float64(st.OverflowEvents))
		m.events.WithLabelValues(label, "underflow").Set(float64(st.UnderflowEvents))
		m.latencyEMA.WithLabelValues(label).Set(p.latencyEMA[d])
		m.watermark.WithLabelValues(label).Set(float64(st.Watermark))
		if st.Backpressure {
			m.backpressure.WithLabelValues(label).Set(1)
		} else {
			m.backpressure.WithLabelValues(label).Set(0)
		}
	}
	m.quantum.Set(float64(p.quantumMS))
}
