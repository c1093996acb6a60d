package encoding

import (
	"bytes"
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/finetune/util"
)

// GoTokenizer wraps a pure-Go huggingface tokenizer behind the Tokenizer
// boundary. The start and end tokens bracket every encoded sequence; the end
// token doubles as the classification token.
type GoTokenizer struct {
	tk            *tokenizer.Tokenizer
	vocabSize     int
	startID       int32
	endID         int32
	specialTokens []string
}

// GoTokenizerOptions overrides the special token strings looked up in the
// loaded vocabulary.
type GoTokenizerOptions struct {
	StartToken string
	EndToken   string
}

// LoadGoTokenizer reads tokenizer.json from the model directory.
func LoadGoTokenizer(modelPath string, opts GoTokenizerOptions) (*GoTokenizer, error) {
	tokenizerBytes, err := util.ReadFileBytes(util.PathJoinSafe(modelPath, "tokenizer.json"))
	if err != nil {
		return nil, err
	}
	tk, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return nil, err
	}

	if opts.StartToken == "" {
		opts.StartToken = "_start_"
	}
	if opts.EndToken == "" {
		opts.EndToken = "_classify_"
	}
	startID, ok := tk.TokenToId(opts.StartToken)
	if !ok {
		return nil, fmt.Errorf("encoding: start token %q not in vocabulary", opts.StartToken)
	}
	endID, ok := tk.TokenToId(opts.EndToken)
	if !ok {
		return nil, fmt.Errorf("encoding: end token %q not in vocabulary", opts.EndToken)
	}

	return &GoTokenizer{
		tk:            tk,
		vocabSize:     tk.GetVocabSize(true),
		startID:       int32(startID),
		endID:         int32(endID),
		specialTokens: []string{opts.StartToken, opts.EndToken},
	}, nil
}

func (g *GoTokenizer) EncodeMultiInput(texts [][][]string, labels []string, maxLength int, padToken string) (*EncodedOutput, error) {
	if labels != nil && len(labels) != len(texts) {
		return nil, fmt.Errorf("encoding: %d labels for %d batch entries", len(labels), len(texts))
	}

	out := &EncodedOutput{TokenIDs: []int32{g.startID}}
	out.Tokens = []string{g.specialTokens[0]}
	if labels != nil {
		out.Labels = []string{padToken}
	}
	out.CharLocs = []int{0}

	for i, docs := range texts {
		for _, subseqs := range docs {
			for _, text := range subseqs {
				enc, err := g.tk.EncodeSingle(text, false)
				if err != nil {
					return nil, err
				}
				for j, id := range enc.Ids {
					out.TokenIDs = append(out.TokenIDs, int32(id))
					out.Tokens = append(out.Tokens, enc.Tokens[j])
					if labels != nil {
						out.Labels = append(out.Labels, labels[i])
					}
					if j < len(enc.Offsets) && len(enc.Offsets[j]) == 2 {
						out.CharLocs = append(out.CharLocs, enc.Offsets[j][1])
					} else {
						out.CharLocs = append(out.CharLocs, 0)
					}
				}
			}
		}
	}

	// Truncate to leave room for the end token, then close the sequence.
	if len(out.TokenIDs) > maxLength-1 {
		*out = *out.slice(0, maxLength-1)
	}
	out.TokenIDs = append(out.TokenIDs, g.endID)
	out.Tokens = append(out.Tokens, g.specialTokens[1])
	if out.Labels != nil {
		out.Labels = append(out.Labels, padToken)
	}
	last := 0
	if n := len(out.CharLocs); n > 0 {
		last = out.CharLocs[n-1]
	}
	out.CharLocs = append(out.CharLocs, last)

	return out, nil
}

func (g *GoTokenizer) Decode(tokenIDs []int32) string {
	ids := make([]int, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = int(id)
	}
	return g.tk.Decode(ids, true)
}

func (g *GoTokenizer) VocabSize() int {
	return g.vocabSize
}

func (g *GoTokenizer) StartToken() int32 {
	return g.startID
}

func (g *GoTokenizer) EndToken() int32 {
	return g.endID
}

func (g *GoTokenizer) SpecialTokens() []string {
	return g.specialTokens
}
