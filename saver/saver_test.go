package saver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/label"
)

func dense(t *testing.T, shape []int, values []float32) *tensor.Dense {
	t.Helper()
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(values))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")

	enc := label.NewClassEncoder()
	_, err := enc.FitTransform([]string{"neg", "pos"})
	require.NoError(t, err)

	state := &ModelState{
		Config:       config.Defaults(),
		LabelEncoder: label.Snapshot(enc),
		TargetDim:    2,
	}
	weights := map[string]*tensor.Dense{
		"model/h0/w:0": dense(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		"model/b:0":    dense(t, []int{3}, []float32{7, 8, 9}),
	}

	s := New("", "")
	require.NoError(t, s.Save(dir, state, weights))

	loadedState, loadedWeights, err := New("", "").Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, loadedState.TargetDim)
	assert.Equal(t, []string{"neg", "pos"}, loadedState.LabelEncoder.Classes)
	assert.Equal(t, state.Config.MaxLength, loadedState.Config.MaxLength)

	require.Len(t, loadedWeights, 2)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, loadedWeights["model/h0/w:0"].Data())
	assert.Equal(t, []int{2, 3}, []int(loadedWeights["model/h0/w:0"].Shape()))
	assert.Equal(t, []float32{7, 8, 9}, loadedWeights["model/b:0"].Data())
}

func TestSaveExcludesOptimizerState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")

	weights := map[string]*tensor.Dense{
		"model/w:0":                dense(t, []int{1}, []float32{1}),
		"OptimizeLoss/model/w/m:0": dense(t, []int{1}, []float32{2}),
	}
	s := New("", "OptimizeLoss")
	require.NoError(t, s.Save(dir, &ModelState{Config: config.Defaults()}, weights))

	_, loaded, err := New("", "").Load(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Contains(t, loaded, "model/w:0")
}

func TestWriteJSONReportsMarshalErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	assert.Error(t, writeJSON(path, make(chan int)), "channels cannot be serialized")
	assert.NoError(t, writeJSON(path, map[string]int{"a": 1}))
}

func TestMergeFallback(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base")
	baseWeights := map[string]*tensor.Dense{
		"model/w:0": dense(t, []int{2}, []float32{1, 2}),
		"model/b:0": dense(t, []int{2}, []float32{3, 4}),
	}
	require.NoError(t, New("", "").Save(base, &ModelState{Config: config.Defaults()}, baseWeights))

	s := New(base, "")
	s.SetVariables(map[string]*tensor.Dense{
		"model/w:0": dense(t, []int{2}, []float32{9, 9}),
	})
	require.NoError(t, s.MergeFallback())

	vars := s.Variables()
	require.Len(t, vars, 2)
	assert.Equal(t, []float32{9, 9}, vars["model/w:0"].Data(), "present variables are not overwritten")
	assert.Equal(t, []float32{3, 4}, vars["model/b:0"].Data(), "missing variables come from the fallback")
}

func TestMergeFallbackAppliesTransforms(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base")
	doubler := func(name string, value *tensor.Dense) (*tensor.Dense, error) {
		data := value.Data().([]float32)
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = 2 * v
		}
		return tensor.New(tensor.WithShape(value.Shape()...), tensor.WithBacking(out)), nil
	}
	require.NoError(t, New("", "").Save(base, &ModelState{Config: config.Defaults()},
		map[string]*tensor.Dense{"model/w:0": dense(t, []int{2}, []float32{1, 2})}))

	s := New(base, "", doubler)
	require.NoError(t, s.MergeFallback())
	assert.Equal(t, []float32{2, 4}, s.Variables()["model/w:0"].Data())
}

func embeddingTable(t *testing.T, vocab, positions, dim int) *tensor.Dense {
	t.Helper()
	data := make([]float32, (vocab+positions)*dim)
	for i := range data {
		data[i] = float32(i)
	}
	return dense(t, []int{vocab + positions, dim}, data)
}

func TestEmbeddingTransformTruncates(t *testing.T) {
	transform := EmbeddingTransform(4, 2, 4, false)
	value := embeddingTable(t, 4, 6, 2)

	out, err := transform("model/we:0", value)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 2}, []int(out.Shape()))

	data := out.Data().([]float32)
	// Word rows are untouched, positional rows are the leading ones.
	assert.Equal(t, float32(0), data[0])
	assert.Equal(t, float32(8), data[4*2])
	assert.Equal(t, float32(8+4*2-1), data[len(data)-1])
}

func TestEmbeddingTransformInterpolates(t *testing.T) {
	transform := EmbeddingTransform(4, 2, 8, true)
	value := embeddingTable(t, 4, 6, 2)

	out, err := transform("model/we:0", value)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 2}, []int(out.Shape()))

	data := out.Data().([]float32)
	// Endpoints of the positional table survive interpolation exactly.
	assert.Equal(t, float32(8), data[4*2])
	assert.Equal(t, float32(18), data[len(data)-2])
}

func TestEmbeddingTransformRejectsLongerLength(t *testing.T) {
	transform := EmbeddingTransform(4, 2, 8, false)
	_, err := transform("model/we:0", embeddingTable(t, 4, 6, 2))
	assert.Error(t, err, "a longer sequence length must not be silently clamped")
}

func TestEmbeddingTransformIgnoresOtherVariables(t *testing.T) {
	transform := EmbeddingTransform(4, 2, 4, false)
	value := dense(t, []int{3}, []float32{1, 2, 3})
	out, err := transform("model/h0/w:0", value)
	require.NoError(t, err)
	assert.Same(t, value, out)
}
