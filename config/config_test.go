package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 512, cfg.MaxLength)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, 3, cfg.NEpochs)
	assert.Equal(t, PadToken, cfg.PadToken)
	assert.Contains(t, cfg.Grid, "learningRate")
	assert.Contains(t, cfg.Grid, "lmLossCoef")
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.NumLayersTrained = 6
	assert.Error(t, cfg.Validate(), "partial layer training with embeddings must be rejected")

	cfg.TrainEmbeddings = false
	assert.NoError(t, cfg.Validate())

	cfg = Defaults()
	cfg.MaxLength = 2
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestClone(t *testing.T) {
	cfg := Defaults()
	val := 10
	cfg.ValSize = &val
	cfg.ClassWeightValues = map[string]float64{"a": 2}

	clone := cfg.Clone()
	*clone.ValSize = 20
	clone.ClassWeightValues["a"] = 3
	clone.Grid["learningRate"][0] = 1.0

	assert.Equal(t, 10, *cfg.ValSize)
	assert.Equal(t, 2.0, cfg.ClassWeightValues["a"])
	assert.Equal(t, 6.25e-5, cfg.Grid["learningRate"][0])
}

func TestSet(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Set("learningRate", 1e-4))
	require.NoError(t, cfg.Set("lmLossCoef", 0.5))
	require.NoError(t, cfg.Set("batchSize", 8))
	require.NoError(t, cfg.Set("maxLength", 128))
	assert.Equal(t, 1e-4, cfg.LearningRate)
	assert.Equal(t, 0.5, cfg.LMLossCoef)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 128, cfg.MaxLength)

	assert.Error(t, cfg.Set("learningRate", "fast"))
	assert.Error(t, cfg.Set("nosuchparam", 1))
}

func TestGridSearchable(t *testing.T) {
	cfg := Defaults()
	cfg.Grid = map[string][]any{
		"nEpochs":      {2, 3},
		"learningRate": {1e-4},
	}
	keys, values := cfg.GridSearchable()
	require.Equal(t, []string{"learningRate", "nEpochs"}, keys)
	assert.Equal(t, []any{1e-4}, values[0])
	assert.Equal(t, []any{2, 3}, values[1])
}
