package saver

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"
)

// embeddingNameMarker identifies the shared embedding table in the base
// checkpoint: vocabulary rows, then special-token rows, then positional rows.
const embeddingNameMarker = "/we:0"

// EmbeddingTransform reslices the saved embedding table into word,
// special-token and positional slices and fits the positional slice to
// maxLength, either by truncation or by linear interpolation. It fails when
// maxLength exceeds the saved positional table and interpolation is off;
// a longer sequence length is never silently clamped.
func EmbeddingTransform(vocabSize, numSpecial, maxLength int, interpolate bool) VariableTransform {
	return func(name string, value *tensor.Dense) (*tensor.Dense, error) {
		if !strings.Contains(name, embeddingNameMarker) {
			return value, nil
		}
		shape := value.Shape()
		if len(shape) != 2 {
			return nil, fmt.Errorf("saver: embedding table %q has shape %v, want 2 dimensions", name, shape)
		}
		rows, dim := shape[0], shape[1]
		if rows < vocabSize {
			return nil, fmt.Errorf("saver: embedding table %q has %d rows for a vocabulary of %d", name, rows, vocabSize)
		}
		data, ok := value.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("saver: embedding table %q is not float32", name)
		}

		wordAndSpecial := data[:vocabSize*dim]
		positional := data[vocabSize*dim:]
		numPositions := rows - vocabSize

		var fitted []float32
		switch {
		case interpolate && numPositions != maxLength:
			fitted = interpolateRows(positional, numPositions, dim, maxLength)
		case maxLength > numPositions:
			return nil, fmt.Errorf(
				"saver: max length %d exceeds the base checkpoint's %d positions and positional interpolation is disabled",
				maxLength, numPositions)
		default:
			fitted = positional[:maxLength*dim]
		}

		out := make([]float32, 0, (vocabSize+maxLength)*dim)
		out = append(out, wordAndSpecial...)
		out = append(out, fitted...)
		return tensor.New(tensor.WithShape(vocabSize+maxLength, dim), tensor.WithBacking(out)), nil
	}
}

// interpolateRows linearly resamples a [rows, dim] table to target rows.
func interpolateRows(data []float32, rows, dim, target int) []float32 {
	out := make([]float32, target*dim)
	if rows == 0 || target == 0 {
		return out
	}
	for i := 0; i < target; i++ {
		pos := 0.0
		if target > 1 {
			pos = float64(i) * float64(rows-1) / float64(target-1)
		}
		lo := int(pos)
		hi := lo
		if lo+1 < rows {
			hi = lo + 1
		}
		frac := float32(pos - float64(lo))
		for d := 0; d < dim; d++ {
			out[i*dim+d] = (1-frac)*data[lo*dim+d] + frac*data[hi*dim+d]
		}
	}
	return out
}
