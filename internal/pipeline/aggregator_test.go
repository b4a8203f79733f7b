package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mstat/internal/errors"
)

func TestAggregator_KnownValues(t *testing.T) {
	agg := NewAggregator(0.05, 3)

	// mean 0.5, sample sd sqrt(2/3), se = sd/2
	usta := []float64{-0.5, 0.0, 0.5, 2.0}
	m, err := agg.Aggregate("A", usta)
	require.NoError(t, err)

	assert.Equal(t, 4, m.N)
	assert.InDelta(t, 0.5, m.Mean, 1e-12)
	assert.InDelta(t, 1.0801234497346435, m.SD, 1e-9)
	assert.InDelta(t, m.SD/2, m.SE, 1e-12)
	assert.Less(t, m.Lower, m.Mean)
	assert.Greater(t, m.Upper, m.Mean)
	assert.InDelta(t, m.Mean-m.Lower, m.Upper-m.Mean, 1e-12, "interval is symmetric about the mean")
}

func TestAggregator_SingleObservationIsAnomaly(t *testing.T) {
	agg := NewAggregator(0.05, 3)

	_, err := agg.Aggregate("A", []float64{1.2})
	require.Error(t, err)
	assert.True(t, errors.IsNumericalAnomaly(err))
	assert.Contains(t, err.Error(), "A")
}

func TestAggregator_EmptyIsInternalError(t *testing.T) {
	agg := NewAggregator(0.05, 3)

	_, err := agg.Aggregate("A", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternalError, errors.GetCode(err))
}

func TestAggregator_BonferroniWidensWithMoreStudies(t *testing.T) {
	usta := []float64{-0.5, 0.0, 0.5, 2.0}

	few, err := NewAggregator(0.05, 2).Aggregate("A", usta)
	require.NoError(t, err)
	many, err := NewAggregator(0.05, 20).Aggregate("A", usta)
	require.NoError(t, err)

	assert.Greater(t, many.Upper-many.Lower, few.Upper-few.Lower,
		"correcting for more simultaneous tests must widen the interval")
}
