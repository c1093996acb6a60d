package saver

import (
	"errors"

	"github.com/phuslu/log"
	"github.com/schollz/progressbar/v3"
	"gorgonia.org/tensor"
)

// ErrStopTraining is returned by a hook to request a graceful stop. The
// engine treats it as a normal end of training, not a failure.
var ErrStopTraining = errors.New("saver: early stop requested")

// BestKeeper periodically evaluates on the validation split, retains the
// best weights seen and optionally stops training after a configured number
// of non-improving evaluations. It owns checkpoint retention during
// training; the engine's own auto-checkpointing is expected to be disabled.
type BestKeeper struct {
	// Evaluate returns the current validation loss (lower is better).
	Evaluate func() (float64, error)
	// Snapshot and Restore move weights in and out of the engine.
	Snapshot func() map[string]*tensor.Dense
	Restore  func(map[string]*tensor.Dense) error

	// EvalFrequency in steps. Non-positive disables the hook.
	EvalFrequency int
	// EarlyStoppingEvals is how many non-improving evaluations are
	// tolerated before stopping. Zero disables early stopping.
	EarlyStoppingEvals int
	KeepBest           bool

	best        float64
	bestSet     bool
	bestWeights map[string]*tensor.Dense
	staleEvals  int
}

func (b *BestKeeper) OnStep(step int, loss float64) error {
	if b.EvalFrequency <= 0 || step == 0 || step%b.EvalFrequency != 0 {
		return nil
	}
	valLoss, err := b.Evaluate()
	if err != nil {
		return err
	}
	if !b.bestSet || valLoss < b.best {
		b.best = valLoss
		b.bestSet = true
		b.staleEvals = 0
		if b.KeepBest && b.Snapshot != nil {
			b.bestWeights = b.Snapshot()
		}
		return nil
	}
	b.staleEvals++
	if b.EarlyStoppingEvals > 0 && b.staleEvals >= b.EarlyStoppingEvals {
		log.Info().Float64("bestValLoss", b.best).Int("step", step).Msg("early stopping")
		return ErrStopTraining
	}
	return nil
}

// Finalize restores the best retained weights after training has finished.
func (b *BestKeeper) Finalize() error {
	if b.KeepBest && b.bestWeights != nil && b.Restore != nil {
		return b.Restore(b.bestWeights)
	}
	return nil
}

// Progress reports training progress on a terminal progress bar.
type Progress struct {
	bar *progressbar.ProgressBar
}

func NewProgress(totalSteps int) *Progress {
	return &Progress{
		bar: progressbar.NewOptions(totalSteps,
			progressbar.OptionSetDescription("finetuning"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
		),
	}
}

func (p *Progress) OnStep(step int, loss float64) error {
	return p.bar.Add(1)
}

// EvalLogger periodically runs an in-process evaluation and logs the result.
type EvalLogger struct {
	Evaluate  func() (float64, error)
	Frequency int
}

func (e *EvalLogger) OnStep(step int, loss float64) error {
	if e.Frequency <= 0 || step == 0 || step%e.Frequency != 0 {
		return nil
	}
	valLoss, err := e.Evaluate()
	if err != nil {
		return err
	}
	log.Info().Int("step", step).Float64("trainLoss", loss).Float64("valLoss", valLoss).Msg("validation")
	return nil
}
