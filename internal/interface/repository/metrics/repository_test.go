package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyd/internal/domain"
)

func TestCounters(t *testing.T) {
	r := New("")

	r.IncrementConnections()
	r.IncrementConnections()
	r.DecrementConnections()
	r.RecordRequest()
	r.AddBytesTransferred(512)
	r.RecordError()

	assert.Equal(t, float64(1), promtest.ToFloat64(r.connectionsGauge))
	assert.Equal(t, float64(1), promtest.ToFloat64(r.requestsTotal))
	assert.Equal(t, float64(512), promtest.ToFloat64(r.bytesTotal))

	snap := r.GetSnapshot()
	assert.Equal(t, int64(1), snap.CurrentConnections)
	assert.Equal(t, int64(512), snap.BytesTransferred)
	assert.Equal(t, int64(1), snap.Errors)
}

func TestRecordDecision(t *testing.T) {
	r := New("")

	r.RecordDecision(domain.StageACL, domain.Allow)
	r.RecordDecision(domain.StageFilter, domain.Deny)
	r.RecordDecision(domain.StageFilter, domain.Deny)

	assert.Equal(t, float64(2), promtest.ToFloat64(r.decisionsTotal.WithLabelValues("filter", "deny")))
	assert.Equal(t, float64(1), promtest.ToFloat64(r.decisionsTotal.WithLabelValues("acl", "allow")))

	snap := r.GetSnapshot()
	assert.Equal(t, map[domain.Stage]int64{domain.StageFilter: 2}, snap.BlockedRequests)
}

func TestSlotStatus(t *testing.T) {
	r := New("")

	r.SetSlotStatus(0, domain.SlotWaiting)
	r.SetSlotStatus(1, domain.SlotWaiting)
	r.SetSlotStatus(1, domain.SlotConnected)
	r.SetSlotStatus(2, domain.SlotConnected)
	r.SetSlotStatus(2, domain.SlotEmpty)
	r.SetIdleWorkers(1)
	r.RecordWorkerSpawned()
	r.RecordWorkerRetired("max requests")

	assert.Equal(t, float64(1), promtest.ToFloat64(r.workers.WithLabelValues("waiting")))
	assert.Equal(t, float64(1), promtest.ToFloat64(r.workers.WithLabelValues("connected")))
	assert.Equal(t, float64(1), promtest.ToFloat64(r.idleWorkers))

	snap := r.GetSnapshot()
	assert.Equal(t, uint(1), snap.BusyWorkers)
	assert.Equal(t, uint(1), snap.IdleWorkers)
	assert.Equal(t, int64(1), snap.WorkersSpawned)
	assert.Equal(t, int64(1), snap.WorkersRetired)
}

func TestSaveMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	r := New(path)
	r.RecordRequest()

	require.NoError(t, r.SaveMetrics(r.GetSnapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got domain.MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(1), got.TotalRequests)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRegistryGathers(t *testing.T) {
	r := New("")
	r.RecordRequest()

	families, err := r.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["proxyd_requests_total"])
	assert.True(t, names["go_goroutines"])
}
