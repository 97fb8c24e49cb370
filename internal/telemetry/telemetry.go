// Package telemetry aggregates server counters behind a Prometheus registry
// and a JSON diagnostics snapshot.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records everything the server observes about itself. All methods
// are safe for concurrent use and tolerate a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	tickDuration   prometheus.Histogram
	encodeDuration prometheus.Histogram
	bytesSent      prometheus.Counter
	entitiesSent   prometheus.Counter
	snapshots      *prometheus.CounterVec
	snapshotDrops  *prometheus.CounterVec
	inputRejects   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	queueOverflow  prometheus.Counter
	sessionStates  *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	tokenExpiries  prometheus.Counter
	rooms          prometheus.Gauge
	roomFaults     prometheus.Counter

	// Last-value mirrors for the JSON diagnostics endpoint.
	lastTickMillis     atomic.Int64
	lastSnapshotBytes  atomic.Uint64
	totalBytes         atomic.Uint64
	totalEntities      atomic.Uint64
	totalDrops         atomic.Uint64
	totalRejects       atomic.Uint64
	totalReconnects    atomic.Uint64
	totalTokenExpiries atomic.Uint64
	roomCount          atomic.Int64
	faultCount         atomic.Uint64
}

// New constructs a Metrics backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relicrush_tick_duration_seconds",
			Help:    "Wall time of one simulation tick body.",
			Buckets: []float64{.0005, .001, .002, .004, .008, .016, .032, .064},
		}),
		encodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relicrush_snapshot_encode_seconds",
			Help:    "Wall time of one per-tick snapshot encode pass.",
			Buckets: []float64{.0001, .00025, .0005, .001, .002, .004, .008},
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relicrush_snapshot_bytes_total",
			Help: "Total snapshot payload bytes handed to transports.",
		}),
		entitiesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relicrush_snapshot_entities_total",
			Help: "Total entity records carried by snapshots.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relicrush_snapshots_total",
			Help: "Snapshots sent, partitioned by kind.",
		}, []string{"kind"}),
		snapshotDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relicrush_snapshot_drops_total",
			Help: "Snapshots dropped by backpressure, partitioned by kind.",
		}, []string{"kind"}),
		inputRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relicrush_input_rejects_total",
			Help: "Inputs rejected by validation, partitioned by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relicrush_command_queue_depth",
			Help: "Commands buffered ahead of the next tick.",
		}),
		queueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relicrush_command_queue_overflow_total",
			Help: "Commands discarded because the ring buffer was full.",
		}),
		sessionStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relicrush_sessions",
			Help: "Sessions by lifecycle state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relicrush_reconnects_total",
			Help: "Sticky-token resumes, partitioned by transport continuity.",
		}, []string{"transport"}),
		tokenExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relicrush_token_expiries_total",
			Help: "Sticky tokens that expired or failed to resolve.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relicrush_rooms",
			Help: "Rooms currently running.",
		}),
		roomFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relicrush_room_faults_total",
			Help: "Rooms terminated by a simulation fault.",
		}),
	}
	m.registry.MustRegister(
		m.tickDuration, m.encodeDuration, m.bytesSent, m.entitiesSent,
		m.snapshots, m.snapshotDrops, m.inputRejects,
		m.queueDepth, m.queueOverflow,
		m.sessionStates, m.reconnects, m.tokenExpiries,
		m.rooms, m.roomFaults,
	)
	return m
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTickDuration observes one tick body's wall time.
func (m *Metrics) RecordTickDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.lastTickMillis.Store(d.Milliseconds())
}

// RecordEncodeDuration observes one snapshot encode pass.
func (m *Metrics) RecordEncodeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.encodeDuration.Observe(d.Seconds())
}

// RecordSnapshot accounts one snapshot handed to a transport.
func (m *Metrics) RecordSnapshot(kind string, bytes, entities int) {
	if m == nil {
		return
	}
	if bytes < 0 {
		bytes = 0
	}
	if entities < 0 {
		entities = 0
	}
	m.snapshots.WithLabelValues(kind).Inc()
	m.bytesSent.Add(float64(bytes))
	m.entitiesSent.Add(float64(entities))
	m.lastSnapshotBytes.Store(uint64(bytes))
	m.totalBytes.Add(uint64(bytes))
	m.totalEntities.Add(uint64(entities))
}

// RecordSnapshotDrop accounts snapshots discarded by backpressure.
func (m *Metrics) RecordSnapshotDrop(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.snapshotDrops.WithLabelValues(kind).Add(float64(count))
	m.totalDrops.Add(uint64(count))
}

// RecordInputReject accounts one validation rejection.
func (m *Metrics) RecordInputReject(reason string) {
	if m == nil {
		return
	}
	m.inputRejects.WithLabelValues(reason).Inc()
	m.totalRejects.Add(1)
}

// RecordCommandQueueDepth implements the simulation queue metrics hook.
func (m *Metrics) RecordCommandQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordCommandQueueOverflow implements the simulation queue metrics hook.
func (m *Metrics) RecordCommandQueueOverflow() {
	if m == nil {
		return
	}
	m.queueOverflow.Inc()
}

// RecordSessionState implements the session manager metrics hook.
func (m *Metrics) RecordSessionState(state string, delta int) {
	if m == nil {
		return
	}
	m.sessionStates.WithLabelValues(state).Add(float64(delta))
}

// RecordReconnect implements the session manager metrics hook.
func (m *Metrics) RecordReconnect(sameTransport bool) {
	if m == nil {
		return
	}
	label := "changed"
	if sameTransport {
		label = "same"
	}
	m.reconnects.WithLabelValues(label).Inc()
	m.totalReconnects.Add(1)
}

// RecordTokenExpiry implements the session manager metrics hook.
func (m *Metrics) RecordTokenExpiry() {
	if m == nil {
		return
	}
	m.tokenExpiries.Inc()
	m.totalTokenExpiries.Add(1)
}

// RecordRoomCount tracks the number of live rooms.
func (m *Metrics) RecordRoomCount(delta int) {
	if m == nil {
		return
	}
	m.rooms.Add(float64(delta))
	m.roomCount.Add(int64(delta))
}

// RecordRoomFault accounts one room terminated by a simulation fault.
func (m *Metrics) RecordRoomFault() {
	if m == nil {
		return
	}
	m.roomFaults.Inc()
	m.faultCount.Add(1)
}

// Diagnostics is the JSON shape served by the diagnostics endpoint.
type Diagnostics struct {
	TickDurationMillis int64  `json:"tickDurationMillis"`
	LastSnapshotBytes  uint64 `json:"lastSnapshotBytes"`
	BytesSent          uint64 `json:"bytesSent"`
	EntitiesSent       uint64 `json:"entitiesSent"`
	SnapshotDrops      uint64 `json:"snapshotDrops"`
	InputRejects       uint64 `json:"inputRejects"`
	Reconnects         uint64 `json:"reconnects"`
	TokenExpiries      uint64 `json:"tokenExpiries"`
	Rooms              int64  `json:"rooms"`
	RoomFaults         uint64 `json:"roomFaults"`
}

// Snapshot captures the diagnostics counters at one instant.
func (m *Metrics) Snapshot() Diagnostics {
	if m == nil {
		return Diagnostics{}
	}
	return Diagnostics{
		TickDurationMillis: m.lastTickMillis.Load(),
		LastSnapshotBytes:  m.lastSnapshotBytes.Load(),
		BytesSent:          m.totalBytes.Load(),
		EntitiesSent:       m.totalEntities.Load(),
		SnapshotDrops:      m.totalDrops.Load(),
		InputRejects:       m.totalRejects.Load(),
		Reconnects:         m.totalReconnects.Load(),
		TokenExpiries:      m.totalTokenExpiries.Load(),
		Rooms:              m.roomCount.Load(),
		RoomFaults:         m.faultCount.Load(),
	}
}
