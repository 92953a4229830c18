package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetrics(t *testing.T) {
	m := New(nil)
	assert.Nil(t, m)

	// None of these should panic.
	m.RoundStarted(1)
	m.RoundFinished()
	m.Dropped("ack", "stale")
	m.Built(BuildOK, time.Second, 1, 0)
	m.Installed(1, 1)
}

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewPedanticRegistry())

	m.RoundStarted(7)
	m.RoundStarted(8)
	m.RoundFinished()
	assert.Equal(t, float64(8), testutil.ToFloat64(m.currentRound))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.roundsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.roundsFinished))

	m.Dropped("ack", "stale")
	m.Dropped("ack", "stale")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.dropped.WithLabelValues("ack", "stale")))

	m.Built(BuildOK, time.Second, 10, 3)
	m.Built(BuildError, time.Second, 12, 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.builds.WithLabelValues(BuildOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.builds.WithLabelValues(BuildError)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.mismatches))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.decided))

	m.Installed(2, 5)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.lookups))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.movedIn))
}
