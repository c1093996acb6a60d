package finetune

import (
	"math"
	"strconv"

	"github.com/knights-analytics/finetune/engine"
	"github.com/knights-analytics/finetune/label"
	"github.com/knights-analytics/finetune/util"
)

// Task plugs the target side of a model: how raw labels become numeric
// targets, the head attached over the shared features and the ops mapping
// logits back to outputs. The transformer body and its language-modeling
// objective are shared by every task.
type Task interface {
	// NewTargetEncoder returns a fresh unfitted label encoder, or nil for
	// pure language modeling.
	NewTargetEncoder() label.Encoder
	TargetModel() engine.TargetModelFn
	PredictOp() engine.PredictOp
	PredictProbaOp() engine.PredictOp
	// Eval is the default scoring function for grid search. Higher is
	// better.
	Eval() EvalFn
}

// Classification finetunes a softmax head over a closed class set.
type Classification struct{}

func (Classification) NewTargetEncoder() label.Encoder {
	return label.NewClassEncoder()
}

func (Classification) TargetModel() engine.TargetModelFn {
	return denseHead
}

// PredictOp reduces class logits to the winning class index.
func (Classification) PredictOp() engine.PredictOp {
	return func(logits []float32) []float32 {
		idx, _, err := util.ArgMax(logits)
		if err != nil {
			return []float32{0}
		}
		return []float32{float32(idx)}
	}
}

func (Classification) PredictProbaOp() engine.PredictOp {
	return util.SoftMax
}

func (Classification) Eval() EvalFn {
	return Accuracy
}

// Regression finetunes a linear head against scalar float targets.
type Regression struct{}

func (Regression) NewTargetEncoder() label.Encoder {
	return label.NewRegressionEncoder()
}

func (Regression) TargetModel() engine.TargetModelFn {
	return denseHead
}

func (Regression) PredictOp() engine.PredictOp {
	return identityOp
}

func (Regression) PredictProbaOp() engine.PredictOp {
	return identityOp
}

func (Regression) Eval() EvalFn {
	return NegativeMeanAbsoluteError
}

// LanguageModel trains the language-modeling objective alone, with no
// target head. Labels are ignored and prediction is only meaningful through
// text generation.
type LanguageModel struct{}

func (LanguageModel) NewTargetEncoder() label.Encoder { return nil }

func (LanguageModel) TargetModel() engine.TargetModelFn { return nil }

func (LanguageModel) PredictOp() engine.PredictOp { return identityOp }

func (LanguageModel) PredictProbaOp() engine.PredictOp { return identityOp }

func (LanguageModel) Eval() EvalFn { return nil }

func identityOp(logits []float32) []float32 {
	return logits
}

// denseHead is a marker head: the engine builds its own dense projection to
// the target dimensionality when TargetModel is non-nil, so the function
// body only matters for engines that compute heads host-side.
func denseHead(features []float32, targetDim int) []float32 {
	if len(features) >= targetDim {
		return features[:targetDim]
	}
	out := make([]float32, targetDim)
	copy(out, features)
	return out
}

// Accuracy is the share of exact label matches.
func Accuracy(predicted, actual []string) float64 {
	if len(predicted) == 0 || len(predicted) != len(actual) {
		return 0
	}
	hits := 0
	for i := range predicted {
		if predicted[i] == actual[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(predicted))
}

// NegativeMeanAbsoluteError scores regression outputs so that higher is
// better, as grid search expects.
func NegativeMeanAbsoluteError(predicted, actual []string) float64 {
	if len(predicted) == 0 || len(predicted) != len(actual) {
		return math.Inf(-1)
	}
	sum := 0.0
	for i := range predicted {
		p, errP := strconv.ParseFloat(predicted[i], 64)
		a, errA := strconv.ParseFloat(actual[i], 64)
		if errP != nil || errA != nil {
			return math.Inf(-1)
		}
		sum += math.Abs(p - a)
	}
	return -sum / float64(len(predicted))
}
