package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

func TestMetricsServiceDomainCounters(t *testing.T) {
	m := NewMetricsService()
	m.RecordVerification(models.VerificationSuccess, models.MethodQR)
	m.RecordVerification(models.VerificationFailed, models.MethodCombined)
	m.RecordOccupancyTransition(models.OccupancyActionEntry, "ok")
	m.ObserveStoreOperation("occupancy_enter", 3*time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordCacheOperation(false, time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gate_verifications_total"])
	assert.True(t, names["gate_occupancy_transitions_total"])
	assert.True(t, names["gate_store_operation_seconds"])

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.Verifications)
	assert.InDelta(t, 0.5, snap.CacheHitRatio, 1e-9)
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	assert.NotPanics(t, func() {
		m.RecordVerification(models.VerificationSuccess, models.MethodQR)
		m.ObserveStoreOperation("occupancy_exit", time.Millisecond)
		m.RecordAuditFailure()
	})
	assert.Nil(t, m.Registry())
}
