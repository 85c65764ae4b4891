package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() { MustRegister(reg) })
	assert.Panics(t, func() { MustRegister(reg) }, "double registration must fail")

	PointsTotal.WithLabelValues("earn").Add(25)
	assert.Equal(t, float64(25), testutil.ToFloat64(PointsTotal.WithLabelValues("earn")))
	assert.Equal(t, 1, testutil.CollectAndCount(PointsTotal))
}
