package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewRegistry_RegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.EventsIngested.WithLabelValues("offer_placed").Inc()
	r.BidsPlaced.WithLabelValues("sym", "ITEM").Add(2)
	r.PacerCapacity.Set(50)
	r.WalletsExhausted.Inc()

	assert.Equal(t, 1.0, counterValue(t, r.EventsIngested.WithLabelValues("offer_placed")))
	assert.Equal(t, 2.0, counterValue(t, r.BidsPlaced.WithLabelValues("sym", "ITEM")))
	assert.Equal(t, 50.0, gaugeValue(t, r.PacerCapacity))
	assert.Equal(t, 1.0, counterValue(t, r.WalletsExhausted))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewRegistry_DoublePanicsOnReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)
	assert.Panics(t, func() { NewRegistry(reg) }, "MustRegister must panic on duplicate registration into the same registry")
}
