// Package finetune is a task-agnostic harness for finetuning pretrained
// transformer language models. A Model wraps a base checkpoint, an input
// pipeline and a training engine: Finetune adapts the weights to labeled
// examples, Predict and Featurize serve the result, and Save/Load round-trip
// the whole state.
package finetune

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/phuslu/log"

	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/encoding"
	"github.com/knights-analytics/finetune/engine"
	"github.com/knights-analytics/finetune/input"
	"github.com/knights-analytics/finetune/label"
	"github.com/knights-analytics/finetune/saver"
	"github.com/knights-analytics/finetune/util"
)

// optimizerVarPattern matches optimizer slot variables in checkpoints.
const optimizerVarPattern = "OptimizeLoss"

// Model is one finetunable instance. It is not safe for concurrent use.
type Model struct {
	Config *config.Config

	task      Task
	tokenizer encoding.Tokenizer
	pipeline  *input.Pipeline
	sv        *saver.Saver

	engineBuilder  engine.Builder
	eng            engine.Engine
	builtTargetDim int
	builtLM        bool

	workDir       string
	removeWorkDir bool
}

// Option customizes model construction.
type Option func(*Model)

// WithEngineBuilder overrides the execution engine. The default engine is
// the onnxruntime inference engine, which cannot train; pass a trainable
// builder to finetune.
func WithEngineBuilder(b engine.Builder) Option {
	return func(m *Model) { m.engineBuilder = b }
}

// WithTokenizer overrides the tokenizer loaded from the base checkpoint.
func WithTokenizer(t encoding.Tokenizer) Option {
	return func(m *Model) { m.tokenizer = t }
}

// New builds a model for the given task over the configured base checkpoint.
// A nil config uses the defaults and a nil task is pure language modeling.
func New(cfg *config.Config, task Task, opts ...Option) (*Model, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if task == nil {
		task = LanguageModel{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		Config:        cfg,
		task:          task,
		engineBuilder: engine.NewORTEngine,
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.BaseModelRepo != "" {
		if err := EnsureBaseModel(cfg); err != nil {
			return nil, err
		}
	}

	if m.tokenizer == nil {
		tok, err := encoding.LoadGoTokenizer(cfg.BaseModelPath, encoding.GoTokenizerOptions{})
		if err != nil {
			return nil, err
		}
		m.tokenizer = tok
	}

	newEncoder := task.NewTargetEncoder
	if newEncoder() == nil {
		newEncoder = nil
	}
	m.pipeline = input.NewPipeline(cfg, m.tokenizer, newEncoder)

	if cfg.TensorboardDir != "" {
		m.workDir = util.PathJoinSafe(cfg.TensorboardDir, time.Now().Format("20060102-150405"))
		if err := util.CreateFolder(m.workDir); err != nil {
			return nil, err
		}
	} else {
		dir, err := os.MkdirTemp("", "finetune")
		if err != nil {
			return nil, err
		}
		m.workDir = dir
		m.removeWorkDir = true
	}

	exclude := optimizerVarPattern
	if cfg.SaveOptimizerVars {
		exclude = ""
	}
	m.sv = saver.New(cfg.BaseModelPath, exclude,
		saver.EmbeddingTransform(
			m.tokenizer.VocabSize(),
			len(m.tokenizer.SpecialTokens()),
			cfg.MaxLength,
			cfg.InterpolatePosEmbed,
		))
	return m, nil
}

// engine returns the current execution engine, rebuilding it when the target
// dimensionality or the language-modeling requirement changed since the last
// build. A rebuilt engine starts again from the saver's variables.
func (m *Model) engine(forceLM bool) (engine.Engine, error) {
	targetDim := m.pipeline.TargetDim()
	needLM := forceLM || m.pipeline.LMLossCoef() > 0 || targetDim == 0

	if m.eng != nil && m.builtTargetDim == targetDim && m.builtLM == needLM {
		return m.eng, nil
	}
	if m.eng != nil {
		if err := m.eng.Close(); err != nil {
			return nil, err
		}
		m.eng = nil
	}

	spec := engine.Spec{
		TargetModel:            m.task.TargetModel(),
		PredictOp:              m.task.PredictOp(),
		PredictProbaOp:         m.task.PredictProbaOp(),
		BuildTargetModel:       targetDim > 0,
		BuildLM:                needLM,
		Tokenizer:              m.tokenizer,
		TargetDim:              targetDim,
		LabelEncoder:           m.pipeline.LabelEncoder(),
		Saver:                  m.sv,
		Config:                 m.Config,
		Seed:                   m.Config.Seed,
		LMTemperature:          m.Config.LMTemperature,
		WorkingDir:             m.workDir,
		Devices:                m.Config.VisibleDevices,
		DisableAutoCheckpoints: true,
		KeepCheckpointMax:      1,
	}
	eng, err := m.engineBuilder(spec)
	if err != nil {
		return nil, err
	}
	m.eng = eng
	m.builtTargetDim = targetDim
	m.builtLM = needLM
	return eng, nil
}

// Finetune adapts the model to the example source. A nil label source trains
// the language-modeling objective alone. The validation split, its
// evaluation interval and the number of update steps are derived from the
// source size unless configured explicitly.
func (m *Model) Finetune(xs input.Source[[]string], y *input.Source[string]) error {
	n, known := xs.Len()
	if !known {
		n = m.Config.DatasetSize
	}
	if known && y != nil {
		if yn, yKnown := y.Len(); yKnown && yn != n {
			return fmt.Errorf("finetune: %d examples with %d labels", n, yn)
		}
	}
	if known && n <= 10 {
		log.Warn().Int("n", n).Msg("finetuning on very few examples, expect poor results")
	}

	valSize, valInterval := validationSettings(m.Config, n)
	if m.Config.KeepBestModel && valSize <= 10 {
		log.Warn().Int("valSize", valSize).Msg("keeping the best model with a tiny validation split is unreliable")
	}
	val, train, err := m.pipeline.TrainValDatasets(xs, y, m.Config.BatchSize, valSize)
	if err != nil {
		return err
	}

	eng, err := m.engine(false)
	if err != nil {
		return err
	}

	steps := trainSteps(m.Config, n)
	hooks := []engine.Hook{saver.NewProgress(steps)}

	var keeper *saver.BestKeeper
	if valSize > 0 && valInterval < config.ValNever {
		evaluate := func() (float64, error) { return eng.Evaluate(val) }
		if m.Config.KeepBestModel || m.Config.EarlyStoppingSteps > 0 {
			keeper = &saver.BestKeeper{
				Evaluate:           evaluate,
				Snapshot:           eng.Weights,
				Restore:            eng.SetWeights,
				EvalFrequency:      valInterval,
				EarlyStoppingEvals: ceilDiv(m.Config.EarlyStoppingSteps, valInterval),
				KeepBest:           m.Config.KeepBestModel,
			}
			hooks = append(hooks, keeper)
		} else {
			hooks = append(hooks, &saver.EvalLogger{Evaluate: evaluate, Frequency: valInterval})
		}
	}

	var trainErr error
	err = exceptions.TryCatch[error](func() {
		trainErr = eng.Train(train, hooks, steps)
	})
	if err != nil {
		return err
	}
	if trainErr != nil && !errors.Is(trainErr, saver.ErrStopTraining) {
		return trainErr
	}
	if keeper != nil {
		if err := keeper.Finalize(); err != nil {
			return err
		}
	}

	m.sv.SetVariables(eng.Weights())
	return nil
}

// Fit finetunes on materialized single-field examples.
func (m *Model) Fit(texts, labels []string) error {
	if labels != nil && len(texts) != len(labels) {
		return fmt.Errorf("finetune: %d texts with %d labels", len(texts), len(labels))
	}
	var y *input.Source[string]
	if labels != nil {
		src := input.FromSlice(labels)
		y = &src
	}
	return m.Finetune(input.FromSlice(wrapTexts(texts)), y)
}

// Predict returns the predicted label per input text.
func (m *Model) Predict(texts []string) ([]string, error) {
	return m.PredictInputs(wrapTexts(texts))
}

// PredictInputs returns the predicted label per multi-field example.
func (m *Model) PredictInputs(xs [][]string) ([]string, error) {
	enc := m.pipeline.LabelEncoder()
	if enc == nil {
		return nil, errors.New("finetune: model has not been finetuned on labeled data")
	}
	out, err := m.predictRaw(xs, engine.PredictNormal)
	if err != nil {
		return nil, err
	}
	return enc.InverseTransform(out), nil
}

// PredictProba returns the per-class probabilities per input text.
func (m *Model) PredictProba(texts []string) ([]map[string]float32, error) {
	return m.PredictProbaInputs(wrapTexts(texts))
}

// PredictProbaInputs returns the per-class probabilities per multi-field
// example.
func (m *Model) PredictProbaInputs(xs [][]string) ([]map[string]float32, error) {
	enc := m.pipeline.LabelEncoder()
	if enc == nil {
		return nil, errors.New("finetune: model has not been finetuned on labeled data")
	}
	classes := enc.Classes()
	if len(classes) == 0 {
		return nil, errors.New("finetune: class probabilities are only defined for classification")
	}
	out, err := m.predictRaw(xs, engine.PredictProbas)
	if err != nil {
		return nil, err
	}
	probas := make([]map[string]float32, len(out))
	for i, row := range out {
		if len(row) != len(classes) {
			return nil, fmt.Errorf("finetune: %d probabilities for %d classes", len(row), len(classes))
		}
		probas[i] = make(map[string]float32, len(classes))
		for j, c := range classes {
			probas[i][c] = row[j]
		}
	}
	return probas, nil
}

// Featurize embeds each text into the model's hidden feature space.
func (m *Model) Featurize(texts []string) ([][]float32, error) {
	return m.predictRaw(wrapTexts(texts), engine.PredictFeatures)
}

// Transform is an alias for Featurize, for pipeline-style callers.
func (m *Model) Transform(texts []string) ([][]float32, error) {
	return m.Featurize(texts)
}

func (m *Model) predictRaw(xs [][]string, mode engine.PredictMode) ([][]float32, error) {
	eng, err := m.engine(false)
	if err != nil {
		return nil, err
	}
	ds := m.pipeline.PredictDataset(input.FromSlice(xs), m.Config.BatchSize)
	return eng.Predict(ds, mode)
}

// Save writes the model to the given checkpoint directory. An empty path is
// a no-op, matching autosave-style call sites that may not have a path.
func (m *Model) Save(path string) error {
	if path == "" {
		return nil
	}
	weights := m.sv.Variables()
	if m.eng != nil {
		// Inference-only engines report no weights; keep the checkpoint's.
		if w := m.eng.Weights(); len(w) > 0 {
			weights = w
			m.sv.SetVariables(w)
		}
	}
	state := &saver.ModelState{
		Config:       m.Config,
		LabelEncoder: label.Snapshot(m.pipeline.LabelEncoder()),
		TargetDim:    m.pipeline.TargetDim(),
	}
	return m.sv.Save(path, state, weights)
}

// Load restores a saved model. Weights absent from the checkpoint are
// sourced from the base model it was finetuned from.
func Load(path string, task Task, opts ...Option) (*Model, error) {
	state, weights, err := saver.New("", "").Load(path)
	if err != nil {
		return nil, err
	}
	m, err := New(state.Config, task, opts...)
	if err != nil {
		return nil, err
	}
	enc, err := label.FromState(state.LabelEncoder)
	if err != nil {
		return nil, err
	}
	m.pipeline.RestoreLabelEncoder(enc)
	m.sv.SetVariables(weights)
	if err := m.sv.MergeFallback(); err != nil {
		return nil, err
	}
	return m, nil
}

// Close releases the engine and removes the working directory when it was
// auto-allocated. A configured tensorboard directory is left in place.
func (m *Model) Close() error {
	var errs error
	if m.eng != nil {
		errs = errors.Join(errs, m.eng.Close())
		m.eng = nil
	}
	if m.removeWorkDir && m.workDir != "" {
		errs = errors.Join(errs, os.RemoveAll(m.workDir))
		m.workDir = ""
	}
	return errs
}

// trainSteps is the number of optimizer updates for one finetune call:
// batches over the full dataset times epochs, split across the visible
// devices with the remainder rounded up.
func trainSteps(cfg *config.Config, n int) int {
	batches := ceilDiv(n, cfg.BatchSize)
	if batches < 1 {
		batches = 1
	}
	devices := len(cfg.VisibleDevices)
	if devices < 1 {
		devices = 1
	}
	steps := ceilDiv(batches*cfg.NEpochs, devices)
	if steps < 1 {
		steps = 1
	}
	return steps
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// wrapTexts lifts plain texts into the multi-field example form.
func wrapTexts(texts []string) [][]string {
	out := make([][]string, len(texts))
	for i, t := range texts {
		out[i] = []string{t}
	}
	return out
}
