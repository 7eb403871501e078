package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAccumulatedOnlyMovesUpward(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())
	reg.ObserveAccumulated(100)
	reg.ObserveAccumulated(50)
	reg.ObserveAccumulated(200)

	var m dto.Metric
	require.NoError(t, reg.MaxAccumulated.Write(&m))
	assert.Equal(t, float64(200), m.GetGauge().GetValue())
}

func TestRequestsTotalLabelsByModeAndOutcome(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())
	reg.RequestsTotal.WithLabelValues(string(ModeStreaming), string(OutcomeSuccess)).Inc()

	var m dto.Metric
	require.NoError(t, reg.RequestsTotal.WithLabelValues(string(ModeStreaming), string(OutcomeSuccess)).Write(&m))
	assert.Equal(t, float64(1), m.GetCounter().GetValue())
}

func TestRetriesTotalLabelsByErrorClass(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())
	reg.RetriesTotal.WithLabelValues(string(ErrorClassGhostLoop)).Inc()
	reg.RetriesTotal.WithLabelValues(string(ErrorClassGhostLoop)).Inc()

	var m dto.Metric
	require.NoError(t, reg.RetriesTotal.WithLabelValues(string(ErrorClassGhostLoop)).Write(&m))
	assert.Equal(t, float64(2), m.GetCounter().GetValue())
}
