package grpo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupAdvantages(t *testing.T) {
	t.Run("hand computed", func(t *testing.T) {
		rewards := []float64{1, 2, 3}
		advs := GroupAdvantages(rewards)

		std := math.Sqrt(2.0 / 3.0)
		assert.InDelta(t, (1.0-2.0)/(std+advantageEpsilon), advs[0], 1e-12)
		assert.InDelta(t, 0, advs[1], 1e-12)
		assert.InDelta(t, (3.0-2.0)/(std+advantageEpsilon), advs[2], 1e-12)
	})

	t.Run("zero variance yields zero advantages", func(t *testing.T) {
		advs := GroupAdvantages([]float64{-5, -5, -5, -5})
		for _, a := range advs {
			assert.Equal(t, 0.0, a)
		}
	})

	t.Run("sums to approximately zero", func(t *testing.T) {
		advs := GroupAdvantages([]float64{0, -5, -10, -50})
		total := 0.0
		for _, a := range advs {
			total += a
		}
		assert.InDelta(t, 0, total, 1e-9)
	})

	t.Run("empty group", func(t *testing.T) {
		assert.Empty(t, GroupAdvantages(nil))
	})

	t.Run("order preserved", func(t *testing.T) {
		advs := GroupAdvantages([]float64{-10, 0})
		assert.Less(t, advs[0], 0.0)
		assert.Greater(t, advs[1], 0.0)
	})
}

func TestMeanStddev(t *testing.T) {
	assert.Equal(t, 0.0, mean(nil))
	assert.Equal(t, 0.0, stddev(nil))
	assert.InDelta(t, 2.0, mean([]float64{1, 2, 3}), 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), stddev([]float64{1, 2, 3}), 1e-12)
}
