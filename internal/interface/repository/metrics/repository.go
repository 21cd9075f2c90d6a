package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"proxyd/internal/domain"
)

const (
	ns = "proxyd"

	LabelStage   = "stage"
	LabelVerdict = "verdict"
	LabelStatus  = "status"
	LabelReason  = "reason"
)

// Repository はメトリクスのリポジトリ実装
// Prometheusのコレクタと、スナップショット用のカウンタを併せ持つ
type Repository struct {
	metricsFile string
	startTime   time.Time
	registry    *prometheus.Registry

	connectionsGauge prometheus.Gauge
	requestsTotal    prometheus.Counter
	bytesTotal       prometheus.Counter
	decisionsTotal   *prometheus.CounterVec
	errorsTotal      prometheus.Counter
	idleWorkers      prometheus.Gauge
	workers          *prometheus.GaugeVec
	spawnedTotal     prometheus.Counter
	retiredTotal     *prometheus.CounterVec

	connections int64
	requests    int64
	bytes       int64
	errors      int64
	spawned     int64
	retired     int64
	idle        atomic.Uint64

	mu      sync.RWMutex
	slots   map[int]domain.SlotStatus
	blocked map[domain.Stage]int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		registry:    reg,
		slots:       make(map[int]domain.SlotStatus),
		blocked:     make(map[domain.Stage]int64),

		connectionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "current_connections", Namespace: ns,
			Help: "Current number of relayed client connections.",
		}),
		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "requests_total", Namespace: ns,
			Help: "Total number of accepted client requests.",
		}),
		bytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bytes_transferred_total", Namespace: ns,
			Help: "Total number of bytes relayed in both directions.",
		}),
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total", Namespace: ns,
			Help: "Policy pipeline verdicts by stage.",
		}, []string{LabelStage, LabelVerdict}),
		errorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total", Namespace: ns,
			Help: "Total number of relay and accept errors.",
		}),
		idleWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idle_workers", Namespace: ns, Subsystem: "pool",
			Help: "Value of the pool capacity counter.",
		}),
		workers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workers", Namespace: ns, Subsystem: "pool",
			Help: "Number of worker slots by status.",
		}, []string{LabelStatus}),
		spawnedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "workers_spawned_total", Namespace: ns, Subsystem: "pool",
			Help: "Total number of workers started.",
		}),
		retiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workers_retired_total", Namespace: ns, Subsystem: "pool",
			Help: "Total number of workers that exited, by reason.",
		}, []string{LabelReason}),
	}
}

// Registry はPrometheusのレジストリを返す
func (r *Repository) Registry() *prometheus.Registry {
	return r.registry
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
	r.connectionsGauge.Inc()
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
	r.connectionsGauge.Dec()
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	atomic.AddInt64(&r.bytes, bytes)
	r.bytesTotal.Add(float64(bytes))
}

func (r *Repository) RecordRequest() {
	atomic.AddInt64(&r.requests, 1)
	r.requestsTotal.Inc()
}

func (r *Repository) RecordDecision(stage domain.Stage, verdict domain.Verdict) {
	r.decisionsTotal.WithLabelValues(string(stage), verdict.String()).Inc()
	if verdict != domain.Deny {
		return
	}
	r.mu.Lock()
	r.blocked[stage]++
	r.mu.Unlock()
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
	r.errorsTotal.Inc()
}

func (r *Repository) SetIdleWorkers(n uint) {
	r.idle.Store(uint64(n))
	r.idleWorkers.Set(float64(n))
}

func (r *Repository) SetSlotStatus(slot int, status domain.SlotStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.slots[slot]
	if ok && prev == status {
		return
	}
	if ok {
		r.workers.WithLabelValues(prev.String()).Dec()
	}
	if status == domain.SlotEmpty {
		delete(r.slots, slot)
		return
	}
	r.slots[slot] = status
	r.workers.WithLabelValues(status.String()).Inc()
}

func (r *Repository) RecordWorkerSpawned() {
	atomic.AddInt64(&r.spawned, 1)
	r.spawnedTotal.Inc()
}

func (r *Repository) RecordWorkerRetired(reason string) {
	atomic.AddInt64(&r.retired, 1)
	r.retiredTotal.WithLabelValues(reason).Inc()
}
