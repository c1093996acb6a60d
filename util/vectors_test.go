package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMean(t *testing.T) {
	assert.Equal(t, 2.0, Mean([]float64{1, 2, 3}))
}

func TestSoftMax(t *testing.T) {
	out := SoftMax([]float32{1, 1, 1})
	require.Len(t, out, 3)
	for _, v := range out {
		assert.InDelta(t, 1.0/3, v, 1e-6)
	}

	out = SoftMax([]float32{100, 0})
	assert.InDelta(t, 1.0, out[0], 1e-6)
}

func TestArgMax(t *testing.T) {
	idx, val, err := ArgMax([]float32{0.1, 0.9, 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, float32(0.9), val)

	_, _, err = ArgMax(nil)
	assert.Error(t, err)
}
