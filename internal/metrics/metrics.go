package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "l2dbridge"

// Metrics is the bridge's Prometheus instrumentation. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	handshakes     *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	packets        *prometheus.CounterVec
	packetErrors   *prometheus.CounterVec
	packetDuration *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	resourceOps    *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec
	storeFiles     *prometheus.GaugeVec
	storeBytes     *prometheus.GaugeVec
	sweepRemoved   *prometheus.CounterVec
	sweepDuration  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of authenticated WebSocket sessions",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes by outcome",
		}, []string{"result"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Closed sessions by reason",
		}, []string{"reason"}),
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets by direction and op",
		}, []string{"direction", "op"}),
		packetErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_errors_total",
			Help:      "Error replies sent to clients by code",
		}, []string{"code"}),
		packetDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "packet_duration_seconds",
			Help:      "Time spent handling an inbound packet",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlated_requests_total",
			Help:      "Server-initiated requests by op and outcome",
		}, []string{"op", "result"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_deliveries_total",
			Help:      "Inbound messages handed to the host by kind and outcome",
		}, []string{"kind", "result"}),
		resourceOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_operations_total",
			Help:      "Resource store operations by op and outcome",
		}, []string{"op", "result"}),
		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_transfer_bytes_total",
			Help:      "Bytes moved through the transfer endpoint",
		}, []string{"direction"}),
		storeFiles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_files",
			Help:      "Files held per store",
		}, []string{"store"}),
		storeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_bytes",
			Help:      "Bytes held per store",
		}, []string{"store"}),
		sweepRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Entries removed by cleanup per store and reason",
		}, []string{"store", "reason"}),
		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Cleanup pass duration per store",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60},
		}, []string{"store"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) PacketIn(op string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues("in", op).Inc()
}

func (m *Metrics) PacketOut(op string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues("out", op).Inc()
}

func (m *Metrics) PacketError(code int) {
	if m == nil {
		return
	}
	m.packetErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObservePacket(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.packetDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) Request(op, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Delivery(kind, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ResourceOp(op string, err error) {
	if m == nil {
		return
	}
	m.resourceOps.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) Transfer(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) StoreUsage(store string, files int, bytes int64) {
	if m == nil {
		return
	}
	m.storeFiles.WithLabelValues(store).Set(float64(files))
	m.storeBytes.WithLabelValues(store).Set(float64(bytes))
}

func (m *Metrics) Swept(store string, expired, evicted int, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepRemoved.WithLabelValues(store, "expired").Add(float64(expired))
	m.sweepRemoved.WithLabelValues(store, "evicted").Add(float64(evicted))
	m.sweepDuration.WithLabelValues(store).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
