package encoding

// ArrayEncodedOutput is the fixed-shape numeric form of one encoding. All
// arrays have exactly the configured max length regardless of the input
// sequence length.
type ArrayEncodedOutput struct {
	// TokenIDs holds two channels per position: channel 0 is the token id
	// (left-aligned, zero elsewhere), channel 1 the position id, offset by
	// the vocabulary size so position ids occupy the numeric range directly
	// above token ids. The position channel covers every row, padding
	// included.
	TokenIDs [][2]int32
	// Mask is 1 where the language-modeling loss applies: positions
	// 1..seqLength-1. Position 0 and padding are excluded.
	Mask     []float32
	Labels   []string
	Tokens   []string
	CharLocs []int
}

// SeqLength is the number of real (non-padding) token positions.
func (a *ArrayEncodedOutput) SeqLength() int {
	n := 0
	for i := range a.TokenIDs {
		if a.TokenIDs[i][0] != 0 {
			n = i + 1
		}
	}
	return n
}

// Format lays out one encoding into fixed-shape arrays of maxLength rows,
// truncating or zero-padding the token channel as needed.
func Format(enc *EncodedOutput, maxLength, vocabSize int, padToken string) *ArrayEncodedOutput {
	seqLength := len(enc.TokenIDs)
	if seqLength > maxLength {
		seqLength = maxLength
	}

	x := make([][2]int32, maxLength)
	for i := 0; i < maxLength; i++ {
		x[i][1] = int32(vocabSize + i)
	}
	for i := 0; i < seqLength; i++ {
		x[i][0] = enc.TokenIDs[i]
	}

	mask := make([]float32, maxLength)
	for i := 1; i < seqLength; i++ {
		mask[i] = 1
	}

	var labels []string
	if enc.Labels != nil {
		labels = make([]string, maxLength)
		for i := range labels {
			labels[i] = padToken
		}
		n := len(enc.Labels)
		if n > seqLength {
			n = seqLength
		}
		copy(labels, enc.Labels[:n])
	}

	return &ArrayEncodedOutput{
		TokenIDs: x,
		Mask:     mask,
		Labels:   labels,
		Tokens:   enc.Tokens,
		CharLocs: enc.CharLocs,
	}
}
