package label

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassEncoder(t *testing.T) {
	enc := NewClassEncoder()
	out, err := enc.FitTransform([]string{"b", "a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, enc.Classes())
	assert.Equal(t, 3, enc.TargetDim())
	assert.Equal(t, []float32{0, 1, 0}, out[0])
	assert.Equal(t, []float32{1, 0, 0}, out[1])

	_, err = enc.Transform([]string{"d"})
	assert.Error(t, err, "unseen class must be rejected")

	// One-hot or probability vectors invert by argmax.
	labels := enc.InverseTransform([][]float32{{0.1, 0.7, 0.2}, {0.9, 0.05, 0.05}})
	assert.Equal(t, []string{"b", "a"}, labels)

	// Single-value vectors invert as class indices.
	labels = enc.InverseTransform([][]float32{{2}, {0}})
	assert.Equal(t, []string{"c", "a"}, labels)
}

func TestClassEncoderUnfitted(t *testing.T) {
	enc := NewClassEncoder()
	assert.Equal(t, 0, enc.TargetDim())
	_, err := enc.Transform([]string{"a"})
	assert.Error(t, err)
}

func TestRegressionEncoder(t *testing.T) {
	enc := NewRegressionEncoder()
	assert.Equal(t, 0, enc.TargetDim())

	out, err := enc.FitTransform([]string{"1.5", "-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, enc.TargetDim())
	assert.Equal(t, []float32{1.5}, out[0])
	assert.Equal(t, []float32{-2}, out[1])

	_, err = enc.Transform([]string{"not a number"})
	assert.Error(t, err)

	labels := enc.InverseTransform([][]float32{{1.5}})
	assert.Equal(t, []string{"1.5"}, labels)
}

func TestStateRoundTrip(t *testing.T) {
	enc := NewClassEncoder()
	_, err := enc.FitTransform([]string{"x", "y"})
	require.NoError(t, err)

	restored, err := FromState(Snapshot(enc))
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, restored.Classes())
	out, err := restored.Transform([]string{"y"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, out[0])

	reg, err := FromState(Snapshot(NewRegressionEncoder()))
	require.NoError(t, err)
	assert.Equal(t, 0, reg.TargetDim())

	none, err := FromState(State{})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = FromState(State{Kind: "bogus"})
	assert.Error(t, err)
}

func TestWeights(t *testing.T) {
	labels := []string{"a", "a", "a", "b"}

	assert.Nil(t, Weights("", labels))

	linear := Weights("linear", labels)
	require.NotNil(t, linear)
	assert.InDelta(t, 4.0/(2*3), linear["a"], 1e-9)
	assert.InDelta(t, 4.0/(2*1), linear["b"], 1e-9)

	sqrt := Weights("sqrt", labels)
	require.NotNil(t, sqrt)
	assert.Greater(t, sqrt["b"], sqrt["a"])

	logw := Weights("log", labels)
	require.NotNil(t, logw)
	assert.GreaterOrEqual(t, logw["a"], 1.0)
}
