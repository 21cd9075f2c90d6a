package handler

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxyd/internal/domain"
	"proxyd/internal/usecase"
)

// PoolStatus はワーカープールの状態を返す
type PoolStatus interface {
	Idle() uint
	Snapshot() []domain.SlotStatus
}

// MetricsHandler はメトリクス関連のHTTPリクエストを処理
type MetricsHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	registry       *prometheus.Registry
	pool           PoolStatus
	logger         domain.Logger
}

// NewMetricsHandler は新しいMetricsHandlerインスタンスを作成
func NewMetricsHandler(
	metricsUseCase *usecase.MetricsUseCase,
	registry *prometheus.Registry,
	pool PoolStatus,
	logger domain.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		metricsUseCase: metricsUseCase,
		registry:       registry,
		pool:           pool,
		logger:         logger,
	}
}

// Routes は /metrics, /stats, /health を持つハンドラを返す
func (h *MetricsHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.HandleMetrics())
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/health", h.HandleHealth)
	return mux
}

// HandleMetrics はPrometheus形式のメトリクスを提供
func (h *MetricsHandler) HandleMetrics() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{h.logger},
	})
}

type promLogger struct {
	logger domain.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Warn("Metrics exposition failed", map[string]interface{}{
		"detail": v,
	})
}

// Stats は /stats の応答
type Stats struct {
	*domain.MetricsSnapshot
	Slots []string `json:"slots,omitempty"`
}

// HandleStats はJSON形式の詳細な統計情報を提供
func (h *MetricsHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	stats := Stats{MetricsSnapshot: h.metricsUseCase.GetMetricsSnapshot()}
	if h.pool != nil {
		stats.IdleWorkers = h.pool.Idle()
		for _, s := range h.pool.Snapshot() {
			stats.Slots = append(stats.Slots, s.String())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.logger.Error("Failed to encode metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
}

// HandleHealth はヘルスチェックエンドポイントを提供
// 待機中のワーカーが1つも無ければ busy を返す
func (h *MetricsHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "up"
	if h.pool != nil && h.pool.Idle() == 0 {
		status = "busy"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
	})
}
