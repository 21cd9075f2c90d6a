package domain

import (
	"encoding/json"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(bytes int64)
	RecordRequest()
	RecordDecision(stage Stage, verdict Verdict)
	RecordError()
	PoolMetrics
	GetSnapshot() *MetricsSnapshot
}

// PoolMetrics はワーカープールが報告するメトリクス
type PoolMetrics interface {
	SetIdleWorkers(n uint)
	SetSlotStatus(slot int, status SlotStatus)
	RecordWorkerSpawned()
	RecordWorkerRetired(reason string)
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time       `json:"timestamp"`
	StartTime          time.Time       `json:"start_time"`
	IdleWorkers        uint            `json:"idle_workers"`
	BusyWorkers        uint            `json:"busy_workers"`
	WorkersSpawned     int64           `json:"workers_spawned"`
	WorkersRetired     int64           `json:"workers_retired"`
	CurrentConnections int64           `json:"current_connections"`
	TotalRequests      int64           `json:"total_requests"`
	BytesTransferred   int64           `json:"bytes_transferred"`
	BlockedRequests    map[Stage]int64 `json:"blocked_requests"`
	Errors             int64           `json:"errors"`
	Uptime             string          `json:"uptime"`
}

// ToJSON はスナップショットをJSON形式に変換
func (ms *MetricsSnapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(ms, "", "  ")
}
