package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveAnomaliesIncrementsByKind(t *testing.T) {
	before := testutil.ToFloat64(LayoutAnomalies.WithLabelValues("holes"))
	ObserveAnomalies(2, 0, 0, 0, 0, 0)
	after := testutil.ToFloat64(LayoutAnomalies.WithLabelValues("holes"))
	assert.Equal(t, before+2, after)
}

func TestSetFilledTogglesGauge(t *testing.T) {
	SetFilled("test-subvol-a", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(SubvolumeFilled.WithLabelValues("test-subvol-a")))

	SetFilled("test-subvol-a", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(SubvolumeFilled.WithLabelValues("test-subvol-a")))
}
