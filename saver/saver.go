// Package saver persists and restores model state: the serialized
// configuration and label-encoder state next to the numeric weight tensors,
// under one checkpoint directory. Weights missing from a checkpoint are
// sourced from a fallback base checkpoint, with embedding tables resliced to
// the current vocabulary and sequence length.
package saver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/label"
	"github.com/knights-analytics/finetune/util"
)

const (
	stateFilename    = "model.json"
	manifestFilename = "weights.json"
	weightsDirname   = "weights"
)

// ModelState is the serializable, non-numeric part of a model checkpoint.
type ModelState struct {
	Config       *config.Config `json:"config"`
	LabelEncoder label.State    `json:"labelEncoder"`
	TargetDim    int            `json:"targetDim"`
}

// VariableTransform rewrites a variable sourced from the fallback checkpoint
// before it is installed, keyed by variable name.
type VariableTransform func(name string, value *tensor.Dense) (*tensor.Dense, error)

type weightManifest struct {
	Variables map[string]string `json:"variables"`
}

// Saver owns checkpoint reading and writing for one model instance.
type Saver struct {
	// FallbackPath is the base checkpoint supplying weights absent from a
	// loaded checkpoint. Empty disables fallback sourcing.
	FallbackPath string
	// ExcludeMatches is a regexp of variable names excluded from
	// persistence, typically optimizer state.
	ExcludeMatches string
	Transforms     []VariableTransform

	variables map[string]*tensor.Dense
}

func New(fallbackPath, excludeMatches string, transforms ...VariableTransform) *Saver {
	return &Saver{
		FallbackPath:   fallbackPath,
		ExcludeMatches: excludeMatches,
		Transforms:     transforms,
		variables:      map[string]*tensor.Dense{},
	}
}

func (s *Saver) Variables() map[string]*tensor.Dense {
	return s.variables
}

func (s *Saver) SetVariables(vars map[string]*tensor.Dense) {
	if vars == nil {
		vars = map[string]*tensor.Dense{}
	}
	s.variables = vars
}

// Save writes the model state record and weight tensors under dir.
func (s *Saver) Save(dir string, state *ModelState, weights map[string]*tensor.Dense) error {
	if err := util.CreateFolder(dir); err != nil {
		return err
	}
	if err := writeJSON(util.PathJoinSafe(dir, stateFilename), state); err != nil {
		return err
	}

	var exclude *regexp.Regexp
	if s.ExcludeMatches != "" {
		var err error
		exclude, err = regexp.Compile(s.ExcludeMatches)
		if err != nil {
			return fmt.Errorf("saver: invalid exclude pattern: %w", err)
		}
	}

	manifest := weightManifest{Variables: map[string]string{}}
	for name, value := range weights {
		if exclude != nil && exclude.MatchString(name) {
			continue
		}
		filename := sanitizeVariableName(name) + ".npy"
		writer, err := util.NewFileWriter(util.PathJoinSafe(dir, weightsDirname, filename))
		if err != nil {
			return err
		}
		writeErr := value.WriteNpy(writer)
		closeErr := writer.Close()
		if writeErr != nil {
			return fmt.Errorf("saver: writing variable %q: %w", name, writeErr)
		}
		if closeErr != nil {
			return closeErr
		}
		manifest.Variables[name] = filename
	}
	return writeJSON(util.PathJoinSafe(dir, manifestFilename), manifest)
}

// Load reads a checkpoint directory, returning the model state and weights.
// The loaded weights are also installed as this saver's variables; call
// MergeFallback afterwards to fill in anything the checkpoint is missing.
func (s *Saver) Load(dir string) (*ModelState, map[string]*tensor.Dense, error) {
	state := &ModelState{}
	if err := readJSON(util.PathJoinSafe(dir, stateFilename), state); err != nil {
		return nil, nil, err
	}
	vars, err := readWeights(dir)
	if err != nil {
		return nil, nil, err
	}
	s.variables = vars
	return state, vars, nil
}

// MergeFallback fills variables absent from the current set with transformed
// copies sourced from the fallback base checkpoint. This is what lets a
// fresh model start from pretrained weights and a partially-compatible save
// load at all.
func (s *Saver) MergeFallback() error {
	if s.FallbackPath == "" {
		return nil
	}
	fallback, err := readWeights(s.FallbackPath)
	if err != nil {
		return fmt.Errorf("saver: reading fallback checkpoint %q: %w", s.FallbackPath, err)
	}
	for name, value := range fallback {
		if _, ok := s.variables[name]; ok {
			continue
		}
		for _, transform := range s.Transforms {
			value, err = transform(name, value)
			if err != nil {
				return err
			}
		}
		s.variables[name] = value
	}
	return nil
}

func readWeights(dir string) (map[string]*tensor.Dense, error) {
	manifest := weightManifest{}
	if err := readJSON(util.PathJoinSafe(dir, manifestFilename), &manifest); err != nil {
		return nil, err
	}
	vars := make(map[string]*tensor.Dense, len(manifest.Variables))
	for name, filename := range manifest.Variables {
		reader, err := util.OpenFile(util.PathJoinSafe(dir, weightsDirname, filename))
		if err != nil {
			return nil, err
		}
		value := &tensor.Dense{}
		readErr := value.ReadNpy(reader)
		closeErr := reader.Close()
		if readErr != nil {
			return nil, fmt.Errorf("saver: reading variable %q: %w", name, readErr)
		}
		if closeErr != nil {
			return nil, closeErr
		}
		vars[name] = value
	}
	return vars, nil
}

func writeJSON(path string, value any) (err error) {
	writer, err := util.NewFileWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	data, err := jsoniter.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}

func readJSON(path string, value any) error {
	data, err := util.ReadFileBytes(path)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(data, value)
}

func sanitizeVariableName(name string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_")
	return replacer.Replace(name)
}
