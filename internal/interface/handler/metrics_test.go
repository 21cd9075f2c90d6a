package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyd/internal/domain"
	"proxyd/internal/interface/repository/logger"
	"proxyd/internal/interface/repository/metrics"
	"proxyd/internal/usecase"
)

type fakePool struct {
	idle  uint
	slots []domain.SlotStatus
}

func (p fakePool) Idle() uint                    { return p.idle }
func (p fakePool) Snapshot() []domain.SlotStatus { return p.slots }

func newMetricsServer(t *testing.T, pool PoolStatus) (*httptest.Server, *metrics.Repository) {
	t.Helper()
	m := metrics.New("")
	log := logger.Nop()
	h := NewMetricsHandler(usecase.NewMetricsUseCase(m, log, usecase.MetricsConfig{}), m.Registry(), pool, log)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, m
}

func TestHandleMetrics(t *testing.T) {
	srv, m := newMetricsServer(t, nil)
	m.RecordRequest()
	m.RecordDecision(domain.StageACL, domain.Deny)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(b)
	assert.Contains(t, body, "proxyd_requests_total 1")
	assert.Contains(t, body, `proxyd_policy_decisions_total{stage="acl",verdict="deny"} 1`)
}

func TestHandleStats(t *testing.T) {
	pool := fakePool{idle: 1, slots: []domain.SlotStatus{domain.SlotWaiting, domain.SlotConnected, domain.SlotEmpty}}
	srv, m := newMetricsServer(t, pool)
	m.RecordRequest()
	m.RecordRequest()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got struct {
		TotalRequests int64    `json:"total_requests"`
		IdleWorkers   uint     `json:"idle_workers"`
		Slots         []string `json:"slots"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, int64(2), got.TotalRequests)
	assert.Equal(t, uint(1), got.IdleWorkers)
	assert.Equal(t, []string{"waiting", "connected", "empty"}, got.Slots)
}

func TestHandleHealth(t *testing.T) {
	testCases := []struct {
		name string
		pool PoolStatus
		want string
	}{
		{"no pool", nil, "up"},
		{"idle workers", fakePool{idle: 2}, "up"},
		{"saturated", fakePool{idle: 0}, "busy"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newMetricsServer(t, tc.pool)
			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			var got map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tc.want, got["status"])
		})
	}
}
