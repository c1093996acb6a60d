// Package label converts raw labels to numeric training targets and back.
package label

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/knights-analytics/finetune/util"
)

// Encoder is the stateful transform between raw labels and numeric targets.
// It is fitted once per finetune call.
type Encoder interface {
	FitTransform(labels []string) ([][]float32, error)
	Transform(labels []string) ([][]float32, error)
	// InverseTransform accepts either index vectors of length one or
	// one-hot/probability vectors of length TargetDim.
	InverseTransform(values [][]float32) []string
	Classes() []string
	// TargetDim is 0 until the encoder has been fitted.
	TargetDim() int
}

// ClassEncoder one-hot encodes a closed set of class labels.
type ClassEncoder struct {
	classes []string
	index   map[string]int
}

func NewClassEncoder() *ClassEncoder {
	return &ClassEncoder{}
}

func (e *ClassEncoder) FitTransform(labels []string) ([][]float32, error) {
	unique := slices.Clone(labels)
	slices.Sort(unique)
	unique = slices.Compact(unique)
	e.classes = unique
	e.index = make(map[string]int, len(unique))
	for i, c := range unique {
		e.index[c] = i
	}
	return e.Transform(labels)
}

func (e *ClassEncoder) Transform(labels []string) ([][]float32, error) {
	if e.index == nil {
		return nil, fmt.Errorf("label: class encoder has not been fitted")
	}
	out := make([][]float32, len(labels))
	for i, l := range labels {
		idx, ok := e.index[l]
		if !ok {
			return nil, fmt.Errorf("label: unseen class %q", l)
		}
		row := make([]float32, len(e.classes))
		row[idx] = 1
		out[i] = row
	}
	return out, nil
}

func (e *ClassEncoder) InverseTransform(values [][]float32) []string {
	out := make([]string, len(values))
	for i, v := range values {
		var idx int
		if len(v) == 1 && len(e.classes) != 1 {
			idx = int(v[0])
		} else {
			idx, _, _ = util.ArgMax(v)
		}
		if idx >= 0 && idx < len(e.classes) {
			out[i] = e.classes[idx]
		}
	}
	return out
}

func (e *ClassEncoder) Classes() []string {
	return e.classes
}

func (e *ClassEncoder) TargetDim() int {
	return len(e.classes)
}

// RegressionEncoder parses labels as scalar float targets.
type RegressionEncoder struct {
	fitted bool
}

func NewRegressionEncoder() *RegressionEncoder {
	return &RegressionEncoder{}
}

func (e *RegressionEncoder) FitTransform(labels []string) ([][]float32, error) {
	e.fitted = true
	return e.Transform(labels)
}

func (e *RegressionEncoder) Transform(labels []string) ([][]float32, error) {
	out := make([][]float32, len(labels))
	for i, l := range labels {
		v, err := strconv.ParseFloat(l, 32)
		if err != nil {
			return nil, fmt.Errorf("label: regression target %q is not numeric: %w", l, err)
		}
		out[i] = []float32{float32(v)}
	}
	return out, nil
}

func (e *RegressionEncoder) InverseTransform(values [][]float32) []string {
	out := make([]string, len(values))
	for i, v := range values {
		if len(v) > 0 {
			out[i] = strconv.FormatFloat(float64(v[0]), 'g', -1, 32)
		}
	}
	return out
}

func (e *RegressionEncoder) Classes() []string {
	return nil
}

func (e *RegressionEncoder) TargetDim() int {
	if !e.fitted {
		return 0
	}
	return 1
}

// State is the serializable snapshot of a fitted encoder.
type State struct {
	Kind    string   `json:"kind"`
	Classes []string `json:"classes,omitempty"`
	Fitted  bool     `json:"fitted,omitempty"`
}

func Snapshot(e Encoder) State {
	switch enc := e.(type) {
	case *ClassEncoder:
		return State{Kind: "class", Classes: enc.classes}
	case *RegressionEncoder:
		return State{Kind: "regression", Fitted: enc.fitted}
	case nil:
		return State{}
	}
	return State{}
}

func FromState(s State) (Encoder, error) {
	switch s.Kind {
	case "":
		return nil, nil
	case "class":
		e := NewClassEncoder()
		e.classes = s.Classes
		e.index = make(map[string]int, len(s.Classes))
		for i, c := range s.Classes {
			e.index[c] = i
		}
		return e, nil
	case "regression":
		return &RegressionEncoder{fitted: s.Fitted}, nil
	}
	return nil, fmt.Errorf("label: unknown encoder kind %q", s.Kind)
}
