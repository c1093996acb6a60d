package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTokenizer maps every whitespace-separated word to a deterministic id,
// bracketing with fixed start and end ids like the real tokenizer does.
type stubTokenizer struct {
	vocabSize int
}

const (
	stubStartID = 1
	stubEndID   = 2
)

func newStubTokenizer() *stubTokenizer {
	return &stubTokenizer{vocabSize: 100}
}

func (s *stubTokenizer) EncodeMultiInput(texts [][][]string, labels []string, maxLength int, padToken string) (*EncodedOutput, error) {
	out := &EncodedOutput{TokenIDs: []int32{stubStartID}, Tokens: []string{"_start_"}}
	if labels != nil {
		out.Labels = []string{padToken}
	}
	for i, docs := range texts {
		for _, subseqs := range docs {
			for _, text := range subseqs {
				for _, word := range strings.Fields(text) {
					id := int32(3 + len(word)%97)
					out.TokenIDs = append(out.TokenIDs, id)
					out.Tokens = append(out.Tokens, word)
					if labels != nil {
						out.Labels = append(out.Labels, labels[i])
					}
				}
			}
		}
	}
	if len(out.TokenIDs) > maxLength-1 {
		*out = *out.slice(0, maxLength-1)
	}
	out.TokenIDs = append(out.TokenIDs, stubEndID)
	out.Tokens = append(out.Tokens, "_classify_")
	if out.Labels != nil {
		out.Labels = append(out.Labels, padToken)
	}
	return out, nil
}

func (s *stubTokenizer) Decode(tokenIDs []int32) string {
	return strings.Repeat("x ", len(tokenIDs))
}

func (s *stubTokenizer) VocabSize() int        { return s.vocabSize }
func (s *stubTokenizer) StartToken() int32     { return stubStartID }
func (s *stubTokenizer) EndToken() int32       { return stubEndID }
func (s *stubTokenizer) SpecialTokens() []string {
	return []string{"_start_", "_classify_"}
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word"
	}
	return strings.Join(parts, " ")
}

func TestTextToIDsSingle(t *testing.T) {
	enc := &Encoder{Tokenizer: newStubTokenizer(), MaxLength: 16}
	stream, err := enc.TextToIDs([]string{words(5)}, nil, "<PAD>")
	require.NoError(t, err)

	out, ok := stream()
	require.True(t, ok)
	assert.Len(t, out.TokenIDs, 7, "five words plus start and end")
	assert.Equal(t, int32(stubStartID), out.TokenIDs[0])
	assert.Equal(t, int32(stubEndID), out.TokenIDs[len(out.TokenIDs)-1])

	_, ok = stream()
	assert.False(t, ok)
}

func TestTextToIDsTruncates(t *testing.T) {
	enc := &Encoder{Tokenizer: newStubTokenizer(), MaxLength: 8}
	stream, err := enc.TextToIDs([]string{words(50)}, nil, "<PAD>")
	require.NoError(t, err)

	out, ok := stream()
	require.True(t, ok)
	assert.Len(t, out.TokenIDs, 8)
	assert.Equal(t, int32(stubEndID), out.TokenIDs[7])
}

func TestTextToIDsChunking(t *testing.T) {
	maxLength := 14
	enc := &Encoder{Tokenizer: newStubTokenizer(), MaxLength: maxLength, ChunkLongSequences: true}
	nWords := 40
	stream, err := enc.TextToIDs([]string{words(nWords)}, nil, "<PAD>")
	require.NoError(t, err)

	chunkSize := maxLength - 2
	stepSize := chunkSize / 3
	total := nWords + 2

	var chunks []*EncodedOutput
	for {
		out, ok := stream()
		if !ok {
			break
		}
		chunks = append(chunks, out)
	}

	wantChunks := (total + stepSize - 1) / stepSize
	require.Len(t, chunks, wantChunks)
	for i, c := range chunks[:len(chunks)-1] {
		if (i+1)*stepSize+chunkSize <= total {
			assert.Len(t, c.TokenIDs, chunkSize)
		}
	}

	// Consecutive chunks overlap by chunkSize-stepSize positions.
	first, second := chunks[0], chunks[1]
	require.GreaterOrEqual(t, len(first.TokenIDs), stepSize)
	assert.Equal(t, first.TokenIDs[stepSize], second.TokenIDs[0])
}

func TestTextToIDsRejectsUnchunkableMaxLength(t *testing.T) {
	// A max length of 4 gives a window of 2 and a stride of 0, which could
	// never advance through the sequence.
	for _, maxLength := range []int{3, 4} {
		enc := &Encoder{Tokenizer: newStubTokenizer(), MaxLength: maxLength, ChunkLongSequences: true}
		_, err := enc.TextToIDs([]string{words(10)}, nil, "<PAD>")
		assert.Error(t, err, "max length %d", maxLength)
	}

	enc := &Encoder{Tokenizer: newStubTokenizer(), MaxLength: 5, ChunkLongSequences: true}
	stream, err := enc.TextToIDs([]string{words(10)}, nil, "<PAD>")
	require.NoError(t, err)
	count := 0
	for {
		if _, ok := stream(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 12, count, "stride 1 walks every start position")
}

func TestTextToIDsMultiFieldNeverChunks(t *testing.T) {
	enc := &Encoder{Tokenizer: newStubTokenizer(), MaxLength: 8, ChunkLongSequences: true}
	stream, err := enc.TextToIDs([]string{words(20), words(20)}, nil, "<PAD>")
	require.NoError(t, err)

	count := 0
	for {
		if _, ok := stream(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 1, count, "multi-field inputs encode as a single truncated sequence")
}

func TestFormat(t *testing.T) {
	tok := newStubTokenizer()
	maxLength := 10
	enc := &EncodedOutput{
		TokenIDs: []int32{stubStartID, 10, 11, stubEndID},
		Labels:   []string{"<PAD>", "pos", "pos", "<PAD>"},
	}
	arr := Format(enc, maxLength, tok.VocabSize(), "<PAD>")

	require.Len(t, arr.TokenIDs, maxLength)
	require.Len(t, arr.Mask, maxLength)
	require.Len(t, arr.Labels, maxLength)

	// Position channel covers every row, offset by the vocabulary size.
	for i := 0; i < maxLength; i++ {
		assert.Equal(t, int32(tok.VocabSize()+i), arr.TokenIDs[i][1])
	}
	// Token channel is left-aligned, zero-padded.
	assert.Equal(t, int32(stubStartID), arr.TokenIDs[0][0])
	assert.Equal(t, int32(stubEndID), arr.TokenIDs[3][0])
	assert.Equal(t, int32(0), arr.TokenIDs[4][0])

	// Mask excludes position 0 and padding.
	assert.Equal(t, float32(0), arr.Mask[0])
	assert.Equal(t, float32(1), arr.Mask[1])
	assert.Equal(t, float32(1), arr.Mask[3])
	assert.Equal(t, float32(0), arr.Mask[4])

	assert.Equal(t, "pos", arr.Labels[1])
	assert.Equal(t, "<PAD>", arr.Labels[5])

	assert.Equal(t, 4, arr.SeqLength())
}

func TestFormatTruncatesOverlongInput(t *testing.T) {
	tok := newStubTokenizer()
	ids := make([]int32, 20)
	for i := range ids {
		ids[i] = int32(i + 3)
	}
	arr := Format(&EncodedOutput{TokenIDs: ids}, 8, tok.VocabSize(), "<PAD>")
	require.Len(t, arr.TokenIDs, 8)
	assert.Equal(t, 8, arr.SeqLength())
	assert.Equal(t, float32(1), arr.Mask[7])
}
