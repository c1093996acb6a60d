package finetune

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccuracy(t *testing.T) {
	assert.Equal(t, 1.0, Accuracy([]string{"a", "b"}, []string{"a", "b"}))
	assert.Equal(t, 0.5, Accuracy([]string{"a", "b"}, []string{"a", "c"}))
	assert.Equal(t, 0.0, Accuracy(nil, nil))
	assert.Equal(t, 0.0, Accuracy([]string{"a"}, []string{"a", "b"}))
}

func TestNegativeMeanAbsoluteError(t *testing.T) {
	assert.Equal(t, 0.0, NegativeMeanAbsoluteError([]string{"1.0", "2.0"}, []string{"1.0", "2.0"}))
	assert.Equal(t, -1.5, NegativeMeanAbsoluteError([]string{"1", "2"}, []string{"2", "4"}))
	assert.Equal(t, math.Inf(-1), NegativeMeanAbsoluteError([]string{"x"}, []string{"1"}))
}

func TestTaskEncoders(t *testing.T) {
	assert.NotNil(t, Classification{}.NewTargetEncoder())
	assert.NotNil(t, Regression{}.NewTargetEncoder())
	assert.Nil(t, LanguageModel{}.NewTargetEncoder())
}

func TestClassificationPredictOp(t *testing.T) {
	op := Classification{}.PredictOp()
	assert.Equal(t, []float32{2}, op([]float32{0.1, 0.2, 0.7}))

	proba := Classification{}.PredictProbaOp()
	out := proba([]float32{0, 0})
	assert.InDelta(t, 0.5, out[0], 1e-6)
}
