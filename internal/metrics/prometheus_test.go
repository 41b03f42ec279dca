package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLogObserverFeedsLabelledCounters(t *testing.T) {
	m := NewMetrics("node-1", prometheus.NewRegistry())

	replica := m.LogObserver("replica")
	replica.ObserveAppend(time.Millisecond, 100)
	replica.ObserveAppend(time.Millisecond, 50)
	replica.ObserveRotation()
	replica.ObservePurge(2, 40)
	replica.ObserveCursorOpen()
	m.LogObserver("cnindex").ObserveAppend(time.Millisecond, 10)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AppendsTotal.WithLabelValues("replica")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.AppendBytesTotal.WithLabelValues("replica")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AppendsTotal.WithLabelValues("cnindex")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RotationsTotal.WithLabelValues("replica")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PurgedSegmentsTotal.WithLabelValues("replica")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.PurgedRecordsTotal.WithLabelValues("replica")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CursorsOpenedTotal.WithLabelValues("replica")))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a", prometheus.NewRegistry())
		NewMetrics("a", prometheus.NewRegistry())
	})
}
