// Package config holds the hyperparameter record shared by the finetuning
// harness, the input pipeline and the training engine. A single Config is
// owned by one model instance; grid search deep-copies it per trial.
package config

import (
	"fmt"
	"math"
	"slices"
)

// PadToken is the label placeholder written into padded label positions.
const PadToken = "<PAD>"

// ValNever is the validation interval used when validation is disabled.
const ValNever = math.MaxInt

type Config struct {
	// Sequence and batching.
	MaxLength int   `json:"maxLength"`
	BatchSize int   `json:"batchSize"`
	NEpochs   int   `json:"nEpochs"`
	Seed      int64 `json:"seed"`

	// Validation. Nil means auto-selected from the dataset size.
	ValSize     *int `json:"valSize,omitempty"`
	ValInterval *int `json:"valInterval,omitempty"`

	// Input encoding.
	ChunkLongSequences bool   `json:"chunkLongSequences"`
	PadToken           string `json:"padToken"`

	// Objective.
	LMLossCoef    float64 `json:"lmLossCoef"`
	LMTemperature float64 `json:"lmTemperature"`
	LearningRate  float64 `json:"learningRate"`
	UseExtraToks  bool    `json:"useExtraToks"`

	// Layer freezing. Finetuning a subset of layers is incompatible with
	// training the embedding table.
	NLayer           int  `json:"nLayer"`
	NumLayersTrained int  `json:"numLayersTrained"`
	TrainEmbeddings  bool `json:"trainEmbeddings"`

	// Checkpointing.
	InterpolatePosEmbed bool   `json:"interpolatePosEmbed"`
	SaveOptimizerVars   bool   `json:"saveOptimizerVars"`
	KeepBestModel       bool   `json:"keepBestModel"`
	EarlyStoppingSteps  int    `json:"earlyStoppingSteps"`
	TensorboardDir      string `json:"tensorboardDir,omitempty"`
	BaseModelPath       string `json:"baseModelPath"`
	BaseModelRepo       string `json:"baseModelRepo,omitempty"`

	// Written back by the input pipeline during initialization.
	// DatasetSize doubles as the fallback estimate for streamed inputs
	// whose length cannot be determined.
	DatasetSize       int                `json:"datasetSize"`
	ClassWeights      string             `json:"classWeights,omitempty"`
	ClassWeightValues map[string]float64 `json:"classWeightValues,omitempty"`

	// Devices visible to the engine. More than one enables the
	// data-parallel distribution strategy.
	VisibleDevices []string `json:"visibleDevices,omitempty"`

	// Grid maps a parameter name to its candidate values for grid search.
	Grid map[string][]any `json:"grid,omitempty"`
}

// Defaults returns the default configuration. The default grid sweeps the
// parameters that matter most in practice.
func Defaults() *Config {
	return &Config{
		MaxLength:           512,
		BatchSize:           2,
		NEpochs:             3,
		Seed:                42,
		ChunkLongSequences:  false,
		PadToken:            PadToken,
		LMLossCoef:          0.0,
		LMTemperature:       0.7,
		LearningRate:        6.25e-5,
		NLayer:              12,
		NumLayersTrained:    12,
		TrainEmbeddings:     true,
		InterpolatePosEmbed: true,
		DatasetSize:         1000,
		Grid: map[string][]any{
			"learningRate": {6.25e-5, 6.25e-4},
			"lmLossCoef":   {0.0, 0.5},
		},
	}
}

// Validate fails fast on contradictory option combinations.
func (c *Config) Validate() error {
	if c.NumLayersTrained != c.NLayer && c.TrainEmbeddings {
		return fmt.Errorf("config: finetuning a subset of layers is incompatible with training embeddings")
	}
	if c.MaxLength < 3 {
		return fmt.Errorf("config: max length %d is too small to fit start and end tokens", c.MaxLength)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive")
	}
	return nil
}

// Clone returns a deep copy. Trials in a grid search mutate their own copy
// so that dataset size and class weights never leak across trials.
func (c *Config) Clone() *Config {
	clone := *c
	if c.ValSize != nil {
		v := *c.ValSize
		clone.ValSize = &v
	}
	if c.ValInterval != nil {
		v := *c.ValInterval
		clone.ValInterval = &v
	}
	if c.ClassWeightValues != nil {
		clone.ClassWeightValues = make(map[string]float64, len(c.ClassWeightValues))
		for k, v := range c.ClassWeightValues {
			clone.ClassWeightValues[k] = v
		}
	}
	clone.VisibleDevices = slices.Clone(c.VisibleDevices)
	if c.Grid != nil {
		clone.Grid = make(map[string][]any, len(c.Grid))
		for k, v := range c.Grid {
			clone.Grid[k] = slices.Clone(v)
		}
	}
	return &clone
}

// Set assigns a grid-searchable parameter by name.
func (c *Config) Set(key string, value any) error {
	switch key {
	case "learningRate":
		v, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		c.LearningRate = v
	case "lmLossCoef":
		v, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		c.LMLossCoef = v
	case "batchSize":
		v, err := toInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		c.BatchSize = v
	case "nEpochs":
		v, err := toInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		c.NEpochs = v
	case "maxLength":
		v, err := toInt(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		c.MaxLength = v
	default:
		return fmt.Errorf("config: unknown grid parameter %q", key)
	}
	return nil
}

// GridSearchable returns the grid parameter names in a stable sorted order
// with their candidate values aligned by index. The stable order is what
// makes grid enumeration deterministic across config copies.
func (c *Config) GridSearchable() ([]string, [][]any) {
	keys := make([]string, 0, len(c.Grid))
	for k := range c.Grid {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	values := make([][]any, len(keys))
	for i, k := range keys {
		values[i] = c.Grid[k]
	}
	return keys, values
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t == math.Trunc(t) {
			return int(t), nil
		}
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}
