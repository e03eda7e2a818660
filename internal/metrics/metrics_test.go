package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/metrics"
)

func TestSetPendingJobsUpdatesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.SetPendingJobs(7)

	var out dto.Metric
	require.NoError(t, m.PendingJobs.Write(&out))
	require.Equal(t, float64(7), out.GetGauge().GetValue())
}

func TestRecordCapacityFullIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordCapacityFull()
	m.RecordCapacityFull()

	var out dto.Metric
	require.NoError(t, m.AdmissionRejected.WithLabelValues("capacity_full").Write(&out))
	require.Equal(t, float64(2), out.GetCounter().GetValue())
}
