package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"tabula/internal/coordinator"
)

func TestCoordinatorCollectorObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCoordinatorCollector(reg, "tabula_test")

	collector.Observe(coordinator.Diagnostics{
		Contracts:   4,
		Branches:    2,
		Recomputes:  12,
		Published:   9,
		Retired:     5,
		Elections:   3,
		HandOvers:   1,
		PendingAcks: 6,
	})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	values := make(map[string]float64)
	for _, mf := range mfs {
		if len(mf.GetMetric()) == 1 {
			values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.Equal(t, float64(4), values["tabula_test_coordinator_contracts"])
	require.Equal(t, float64(3), values["tabula_test_coordinator_elections_total"])
	require.Equal(t, float64(1), values["tabula_test_coordinator_hand_overs_total"])
}
