package metrics

import (
	"os"
	"sync/atomic"
	"time"

	"proxyd/internal/domain"
)

// GetSnapshot は現在のメトリクスのスナップショットを返す.
func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	r.mu.RLock()
	var busy uint
	for _, s := range r.slots {
		if s == domain.SlotConnected {
			busy++
		}
	}
	blocked := make(map[domain.Stage]int64, len(r.blocked))
	for stage, n := range r.blocked {
		blocked[stage] = n
	}
	r.mu.RUnlock()

	now := time.Now()
	return &domain.MetricsSnapshot{
		Timestamp:          now,
		StartTime:          r.startTime,
		IdleWorkers:        uint(r.idle.Load()),
		BusyWorkers:        busy,
		WorkersSpawned:     atomic.LoadInt64(&r.spawned),
		WorkersRetired:     atomic.LoadInt64(&r.retired),
		CurrentConnections: atomic.LoadInt64(&r.connections),
		TotalRequests:      atomic.LoadInt64(&r.requests),
		BytesTransferred:   atomic.LoadInt64(&r.bytes),
		BlockedRequests:    blocked,
		Errors:             atomic.LoadInt64(&r.errors),
		Uptime:             now.Sub(r.startTime).Round(time.Second).String(),
	}
}

// SaveMetrics はメトリクスをファイルに保存.
// 一時ファイルに書いてから置き換える.
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	data, err := snapshot.ToJSON()
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}
