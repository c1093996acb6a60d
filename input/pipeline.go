package input

import (
	"fmt"
	"slices"

	"github.com/phuslu/log"

	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/encoding"
	"github.com/knights-analytics/finetune/label"
)

// labelSampleSize is how many labels are drawn from a streamed label source
// to fit the label encoder when the full set cannot be materialized.
const labelSampleSize = 100

// Pipeline orchestrates encoding into batched, shuffled and split data
// streams, and owns the label encoder and target dimensionality the engine
// is built against.
type Pipeline struct {
	Config  *config.Config
	Encoder *encoding.Encoder

	// NewTargetEncoder is the task hook producing the right label encoder.
	// Nil means pure language modeling: no targets, no target head.
	NewTargetEncoder func() label.Encoder

	labelEncoder label.Encoder
	targetDim    int
	lmLossCoef   float64
	padIdx       int
	padIdxSet    bool
}

func NewPipeline(cfg *config.Config, tok encoding.Tokenizer, newTargetEncoder func() label.Encoder) *Pipeline {
	return &Pipeline{
		Config: cfg,
		Encoder: &encoding.Encoder{
			Tokenizer:          tok,
			MaxLength:          cfg.MaxLength,
			ChunkLongSequences: cfg.ChunkLongSequences,
		},
		NewTargetEncoder: newTargetEncoder,
		lmLossCoef:       cfg.LMLossCoef,
	}
}

func (p *Pipeline) LabelEncoder() label.Encoder {
	return p.labelEncoder
}

// TargetDim is 0 until PostDataInit has seen labels. The model compares it
// against the dimensionality its engine was last built with to decide on a
// rebuild.
func (p *Pipeline) TargetDim() int {
	return p.targetDim
}

// LMLossCoef is the effective language-modeling loss coefficient: forced to
// 1.0 when there is no downstream target.
func (p *Pipeline) LMLossCoef() float64 {
	return p.lmLossCoef
}

func (p *Pipeline) FeedSpec() FeedSpec {
	return FeedSpec{MaxLength: p.Config.MaxLength, TargetDim: p.targetDim}
}

// PadIdx is the index of the configured pad token within the label encoder's
// class list, computed lazily and cached.
func (p *Pipeline) PadIdx() (int, error) {
	if p.padIdxSet {
		return p.padIdx, nil
	}
	if p.labelEncoder == nil {
		return 0, fmt.Errorf("input: label encoder has not been fitted")
	}
	idx := slices.Index(p.labelEncoder.Classes(), p.Config.PadToken)
	if idx < 0 {
		return 0, fmt.Errorf("input: pad token %q not among label classes", p.Config.PadToken)
	}
	p.padIdx = idx
	p.padIdxSet = true
	return idx, nil
}

// PostDataInit fits a fresh label encoder against the label source, records
// the dataset size, derives the target dimensionality and computes class
// weights. Streamed sources without a known length fall back to the
// configured dataset-size estimate and are sampled for fitting.
func (p *Pipeline) PostDataInit(y Source[string]) error {
	if p.NewTargetEncoder == nil {
		p.targetDim = 0
		p.lmLossCoef = 1.0
		return nil
	}
	p.labelEncoder = p.NewTargetEncoder()
	p.padIdxSet = false

	var fit []string
	if n, ok := y.Len(); ok {
		p.Config.DatasetSize = n
		fit = y.Head(n)
	} else {
		log.Warn().
			Int("fallback", p.Config.DatasetSize).
			Msg("streamed label source has no length, falling back to configured dataset size")
		fit = y.Head(labelSampleSize)
	}
	if _, err := p.labelEncoder.FitTransform(fit); err != nil {
		return err
	}

	p.targetDim = p.labelEncoder.TargetDim()
	p.lmLossCoef = p.Config.LMLossCoef
	if p.targetDim == 0 {
		p.lmLossCoef = 1.0
	}

	p.Config.ClassWeightValues = label.Weights(p.Config.ClassWeights, fit)
	return nil
}

// exampleStream encodes one pass over the inputs, emitting one example per
// chunk. The first encoding or transform error ends the stream and is
// recorded in errRef.
func (p *Pipeline) exampleStream(xs Stream[[]string], y Stream[string], errRef *error) Stream[*example] {
	var pending encoding.Stream
	var target []float32
	hasTarget := false

	return func() (*example, bool) {
		for {
			if pending != nil {
				enc, ok := pending()
				if ok {
					arr := encoding.Format(enc, p.Config.MaxLength, p.Encoder.Tokenizer.VocabSize(), p.Config.PadToken)
					return &example{
						tokens:    arr.TokenIDs,
						mask:      arr.Mask,
						target:    target,
						hasTarget: hasTarget,
					}, true
				}
				pending = nil
			}

			texts, ok := xs()
			if !ok {
				return nil, false
			}
			hasTarget = false
			target = nil
			if y != nil {
				rawLabel, ok := y()
				if !ok {
					return nil, false
				}
				transformed, err := p.labelEncoder.Transform([]string{rawLabel})
				if err != nil {
					*errRef = err
					return nil, false
				}
				target = transformed[0]
				hasTarget = true
			}

			stream, err := p.Encoder.TextToIDs(texts, nil, p.Config.PadToken)
			if err != nil {
				*errRef = err
				return nil, false
			}
			pending = stream
		}
	}
}

// TrainValDatasets builds the validation and training input functions. Both
// apply the same seeded shuffle so the first valSize encoded examples form a
// validation split disjoint from training; training repeats for the
// configured number of epochs.
func (p *Pipeline) TrainValDatasets(xs Source[[]string], y *Source[string], batchSize, valSize int) (val Dataset, train Dataset, err error) {
	if batchSize <= 0 {
		batchSize = p.Config.BatchSize
	}
	if y != nil {
		if err := p.PostDataInit(*y); err != nil {
			return nil, nil, err
		}
	} else if p.NewTargetEncoder == nil {
		p.lmLossCoef = 1.0
	}

	spec := p.FeedSpec()
	seed := p.Config.Seed
	base := func(errRef *error) Stream[*example] {
		var yStream Stream[string]
		if y != nil {
			yStream = y.Iterate()
		}
		return p.exampleStream(xs.Iterate(), yStream, errRef)
	}

	val = func() *BatchStream {
		errRef := new(error)
		shuffled := shuffleStream(base(errRef), seed)
		return prefetch(batchStream(takeStream(shuffled, valSize), batchSize, spec), errRef)
	}
	train = func() *BatchStream {
		errRef := new(error)
		epoch := func() Stream[*example] {
			return skipStream(shuffleStream(base(errRef), seed), valSize)
		}
		return prefetch(batchStream(repeatStream(epoch, p.Config.NEpochs), batchSize, spec), errRef)
	}
	return val, train, nil
}

// PredictDataset builds the inference input function: no targets, batched
// and prefetched in input order.
func (p *Pipeline) PredictDataset(xs Source[[]string], batchSize int) Dataset {
	if batchSize <= 0 {
		batchSize = p.Config.BatchSize
	}
	spec := p.FeedSpec()
	return func() *BatchStream {
		errRef := new(error)
		return prefetch(batchStream(p.exampleStream(xs.Iterate(), nil, errRef), batchSize, spec), errRef)
	}
}

// RestoreLabelEncoder reinstalls a previously fitted encoder, e.g. after
// loading a saved model.
func (p *Pipeline) RestoreLabelEncoder(enc label.Encoder) {
	p.labelEncoder = enc
	p.padIdxSet = false
	if enc != nil {
		p.targetDim = enc.TargetDim()
	}
}
