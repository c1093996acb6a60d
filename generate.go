package finetune

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/finetune/encoding"
	"github.com/knights-analytics/finetune/engine"
	"github.com/knights-analytics/finetune/input"
)

// GenerateOption adjusts a single generation call without touching the
// model's configuration.
type GenerateOption func(*generateSettings)

type generateSettings struct {
	useExtraToks bool
}

// WithExtraToks overrides the configured extra-token behavior for one
// generation call.
func WithExtraToks(use bool) GenerateOption {
	return func(s *generateSettings) { s.useExtraToks = use }
}

// GenerateText continues seedText with up to maxTokens tokens of sampled
// model output, stopping early at the end token. maxTokens of zero or less
// generates up to the configured max length. The engine is rebuilt with the
// language-modeling objective if the last build lacked it.
func (m *Model) GenerateText(seedText string, maxTokens int, opts ...GenerateOption) (string, error) {
	eng, err := m.engine(true)
	if err != nil {
		return "", err
	}

	cfg := m.Config
	settings := generateSettings{useExtraToks: cfg.UseExtraToks}
	for _, opt := range opts {
		opt(&settings)
	}

	maxLen := cfg.MaxLength
	if maxTokens > 0 && maxTokens < maxLen {
		maxLen = maxTokens
	}

	var tokens []int32
	if settings.useExtraToks {
		tokens = append(tokens, m.tokenizer.StartToken())
	} else if seedText == "" {
		return "", errors.New("finetune: generating without a seed requires the extra tokens")
	}
	if seedText != "" {
		seed, err := m.encodeSeed(seedText, maxLen)
		if err != nil {
			return "", err
		}
		tokens = append(tokens, seed...)
	}
	if len(tokens) >= maxLen-1 {
		return "", fmt.Errorf("finetune: seed of %d tokens leaves no room to generate within %d", len(tokens), maxLen)
	}

	spec := input.FeedSpec{MaxLength: cfg.MaxLength}
	vocabSize := m.tokenizer.VocabSize()
	endID := m.tokenizer.EndToken()

	for i := len(tokens); i < maxLen-1; i++ {
		arr := encoding.Format(&encoding.EncodedOutput{TokenIDs: tokens}, cfg.MaxLength, vocabSize, cfg.PadToken)
		batch := input.NewBatch(arr.TokenIDs, arr.Mask, spec)
		out, err := eng.Predict(input.BatchesDataset(batch), engine.PredictGenerate)
		if err != nil {
			return "", err
		}
		if len(out) == 0 || len(out[0]) < i {
			return "", fmt.Errorf("finetune: generation output has no prediction for position %d", i-1)
		}
		next := int32(out[0][i-1])
		if next == endID {
			break
		}
		tokens = append(tokens, next)
	}
	return m.tokenizer.Decode(tokens), nil
}

// encodeSeed tokenizes the seed without the bracketing special tokens; the
// generation loop manages those itself.
func (m *Model) encodeSeed(seedText string, maxLen int) ([]int32, error) {
	enc, err := m.tokenizer.EncodeMultiInput(
		[][][]string{{{seedText}}}, nil, maxLen, m.Config.PadToken)
	if err != nil {
		return nil, err
	}
	ids := enc.TokenIDs
	if len(ids) < 2 {
		return nil, nil
	}
	return ids[1 : len(ids)-1], nil
}
