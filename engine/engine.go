// Package engine defines the boundary to the training/inference execution
// engine. The harness constructs an engine from a Spec and operates it
// through blocking Train/Evaluate/Predict calls; everything below that
// (graph execution, device placement) belongs to the engine implementation.
package engine

import (
	"gorgonia.org/tensor"

	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/encoding"
	"github.com/knights-analytics/finetune/input"
	"github.com/knights-analytics/finetune/label"
	"github.com/knights-analytics/finetune/saver"
)

// PredictMode selects which output an inference call produces.
type PredictMode string

const (
	// PredictNormal produces the task prediction (e.g. a class index).
	PredictNormal PredictMode = "predict"
	// PredictProbas produces the probability vector over targets.
	PredictProbas PredictMode = "probas"
	// PredictFeatures produces the raw hidden features fed to the target
	// head.
	PredictFeatures PredictMode = "features"
	// PredictGenerate produces per-position next-token ids for language
	// generation.
	PredictGenerate PredictMode = "generate"
)

// TargetModelFn attaches the task-specific head over the shared features.
type TargetModelFn func(features []float32, targetDim int) []float32

// PredictOp maps raw target logits for one example to the op's output.
type PredictOp func(logits []float32) []float32

// Spec is the construction contract for an engine.
type Spec struct {
	TargetModel    TargetModelFn
	PredictOp      PredictOp
	PredictProbaOp PredictOp

	// BuildTargetModel is set once the target dimensionality is known.
	// BuildLM includes the language-modeling loss: forced for generation,
	// or when the LM loss coefficient is positive, or when there is no
	// target head at all.
	BuildTargetModel bool
	BuildLM          bool

	Tokenizer    encoding.Tokenizer
	TargetDim    int
	LabelEncoder label.Encoder
	Saver        *saver.Saver
	Config       *config.Config

	Seed int64
	// LMTemperature scales the sampling distribution for generation.
	LMTemperature float64
	WorkingDir    string
	// Devices lists the visible worker devices. More than one entry makes
	// the engine build its data-parallel distribution strategy.
	Devices []string

	// The checkpoint hooks own persistence and reporting, so the engine's
	// automatic checkpointing and summaries stay off and it retains at
	// most one checkpoint of its own.
	DisableAutoCheckpoints bool
	KeepCheckpointMax      int
}

// Hook observes training steps. Returning saver.ErrStopTraining ends the
// run gracefully; any other error aborts it.
type Hook interface {
	OnStep(step int, loss float64) error
}

// Engine executes training and inference. Calls block until the requested
// work completes or fails; there is no cancellation of a running call.
type Engine interface {
	Train(ds input.Dataset, hooks []Hook, steps int) error
	Evaluate(ds input.Dataset) (float64, error)
	// Predict returns one output vector per input example, shaped by the
	// requested mode.
	Predict(ds input.Dataset, mode PredictMode) ([][]float32, error)
	Weights() map[string]*tensor.Dense
	SetWeights(map[string]*tensor.Dense) error
	Close() error
}

// Builder constructs an engine from its spec.
type Builder func(spec Spec) (Engine, error)
