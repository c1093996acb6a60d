// Package encoding converts raw text and labels into the fixed-shape token
// and mask sequences consumed by the input pipeline. The subword tokenizer
// itself sits behind the Tokenizer boundary.
package encoding

import (
	"fmt"
	"math"
)

// Tokenizer is the boundary to the external subword tokenizer.
type Tokenizer interface {
	// EncodeMultiInput encodes one example in the canonical nested form:
	// batch of documents of subsequences. Labels, when present, align with
	// the batch entries and are broadcast to every token of their entry.
	EncodeMultiInput(texts [][][]string, labels []string, maxLength int, padToken string) (*EncodedOutput, error)
	Decode(tokenIDs []int32) string
	VocabSize() int
	StartToken() int32
	EndToken() int32
	SpecialTokens() []string
}

// EncodedOutput is one tokenized sequence. Optional fields are nil when the
// tokenizer did not produce them. Immutable once produced.
type EncodedOutput struct {
	TokenIDs []int32
	Tokens   []string
	Labels   []string
	CharLocs []int
	Mask     []float32
}

// slice returns the window [start, start+size) of every present field.
// The end is clamped so the last window may be shorter.
func (e *EncodedOutput) slice(start, size int) *EncodedOutput {
	out := &EncodedOutput{}
	out.TokenIDs = e.TokenIDs[start:clamp(start+size, len(e.TokenIDs))]
	if e.Tokens != nil {
		out.Tokens = e.Tokens[start:clamp(start+size, len(e.Tokens))]
	}
	if e.Labels != nil {
		out.Labels = e.Labels[start:clamp(start+size, len(e.Labels))]
	}
	if e.CharLocs != nil {
		out.CharLocs = e.CharLocs[start:clamp(start+size, len(e.CharLocs))]
	}
	if e.Mask != nil {
		out.Mask = e.Mask[start:clamp(start+size, len(e.Mask))]
	}
	return out
}

func clamp(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}

// Stream is a lazy, finite, non-restartable sequence of encodings.
type Stream func() (*EncodedOutput, bool)

// Encoder adapts the tokenizer boundary to the input pipeline: it reshapes
// inputs into the canonical nested form and optionally splits overlong
// sequences into overlapping windows.
type Encoder struct {
	Tokenizer          Tokenizer
	MaxLength          int
	ChunkLongSequences bool
}

// noLengthLimit bypasses truncation when the full encoding is needed first.
const noLengthLimit = math.MaxInt32

// TextToIDs encodes one example. With chunking enabled and a single
// unstructured input, the full un-truncated encoding is computed first and
// then split into overlapping windows of size maxLength-2 with a stride of a
// third of the window. Otherwise a single truncated encoding is yielded.
func (e *Encoder) TextToIDs(texts []string, labels []string, padToken string) (Stream, error) {
	nested := formatForEncoding(texts)

	if e.ChunkLongSequences && len(texts) == 1 {
		full, err := e.Tokenizer.EncodeMultiInput(nested, labels, noLengthLimit, padToken)
		if err != nil {
			return nil, err
		}
		chunkSize := e.MaxLength - 2
		stepSize := chunkSize / 3
		if stepSize < 1 {
			return nil, fmt.Errorf("encoding: max length %d is too short to chunk long sequences", e.MaxLength)
		}
		length := len(full.TokenIDs)
		start := 0
		return func() (*EncodedOutput, bool) {
			if start >= length {
				return nil, false
			}
			out := full.slice(start, chunkSize)
			start += stepSize
			return out, true
		}, nil
	}

	encoded, err := e.Tokenizer.EncodeMultiInput(nested, labels, e.MaxLength, padToken)
	if err != nil {
		return nil, err
	}
	done := false
	return func() (*EncodedOutput, bool) {
		if done {
			return nil, false
		}
		done = true
		return encoded, true
	}, nil
}

// formatForEncoding reshapes one example's inputs into the nested form the
// tokenizer expects: a batch of one document per input field, each holding a
// single subsequence.
func formatForEncoding(texts []string) [][][]string {
	docs := make([][]string, len(texts))
	for i, t := range texts {
		docs[i] = []string{t}
	}
	return [][][]string{docs}
}
