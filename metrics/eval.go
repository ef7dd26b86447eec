package metrics

import (
	"fmt"
	"strings"

	"github.com/attnlab/hiertrain/corpus"
)

// Decode cap defaults used by the training driver's per-epoch evaluation.
const (
	MaxDecodeLenWord = 100
	MaxDecodeLenChar = 300
)

// Decoder is the model surface the evaluators need.
type Decoder interface {
	Decode(b *corpus.Batch, maxLen int) ([][]int, error)
	DecodeSub(b *corpus.Batch, maxLen int) ([][]int, error)
}

// Dataset is the split surface the evaluators need. Evaluation restarts the
// split and consumes exactly one pass.
type Dataset interface {
	Next() (*corpus.Batch, bool, error)
	Restart() error
	WordVocab() *corpus.Vocab
	CharVocab() *corpus.Vocab
}

// Config controls one evaluation run. Only BeamWidth 1 (greedy) is
// implemented; other widths are rejected.
type Config struct {
	BeamWidth    int
	MaxDecodeLen int
}

func (c Config) resolve(defaultLen int) (Config, error) {
	if c.BeamWidth == 0 {
		c.BeamWidth = 1
	}
	if c.BeamWidth != 1 {
		return c, fmt.Errorf("beam width %d not supported, only greedy decoding (width 1)", c.BeamWidth)
	}
	if c.MaxDecodeLen <= 0 {
		c.MaxDecodeLen = defaultLen
	}
	return c, nil
}

// EvalWER decodes the word level over one pass of ds and returns the
// corpus-level word error rate: total edit distance over total reference
// words.
func EvalWER(dec Decoder, ds Dataset, cfg Config) (float64, error) {
	cfg, err := cfg.resolve(MaxDecodeLenWord)
	if err != nil {
		return 0, err
	}
	if err := ds.Restart(); err != nil {
		return 0, fmt.Errorf("restart dataset: %w", err)
	}
	vocab := ds.WordVocab()
	var dist, total int
	for {
		b, isNewEpoch, err := ds.Next()
		if err != nil {
			return 0, fmt.Errorf("next batch: %w", err)
		}
		hyps, err := dec.Decode(b, cfg.MaxDecodeLen)
		if err != nil {
			return 0, fmt.Errorf("decode: %w", err)
		}
		for i := 0; i < b.B; i++ {
			ref := vocab.Tokens(b.Words[i])
			hyp := vocab.Tokens(hyps[i])
			dist += EditDistance(ref, hyp)
			total += len(ref)
		}
		if isNewEpoch {
			break
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("no reference words in split")
	}
	return float64(dist) / float64(total), nil
}

// EvalCER decodes the character level over one pass of ds. It returns the
// corpus-level character error rate and, as a byproduct, the word error rate
// obtained by splitting the rendered character stream on spaces.
func EvalCER(dec Decoder, ds Dataset, cfg Config) (cer, wer float64, err error) {
	cfg, err = cfg.resolve(MaxDecodeLenChar)
	if err != nil {
		return 0, 0, err
	}
	if err := ds.Restart(); err != nil {
		return 0, 0, fmt.Errorf("restart dataset: %w", err)
	}
	vocab := ds.CharVocab()
	var charDist, charTotal int
	var wordDist, wordTotal int
	for {
		b, isNewEpoch, err := ds.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("next batch: %w", err)
		}
		hyps, err := dec.DecodeSub(b, cfg.MaxDecodeLen)
		if err != nil {
			return 0, 0, fmt.Errorf("decode: %w", err)
		}
		for i := 0; i < b.B; i++ {
			refText := corpus.JoinChars(vocab.Tokens(b.Chars[i]))
			hypText := corpus.JoinChars(vocab.Tokens(hyps[i]))
			charDist += EditDistance(runes(refText), runes(hypText))
			charTotal += len([]rune(refText))
			refWords := strings.Fields(refText)
			hypWords := strings.Fields(hypText)
			wordDist += EditDistance(refWords, hypWords)
			wordTotal += len(refWords)
		}
		if isNewEpoch {
			break
		}
	}
	if charTotal == 0 {
		return 0, 0, fmt.Errorf("no reference characters in split")
	}
	cer = float64(charDist) / float64(charTotal)
	if wordTotal > 0 {
		wer = float64(wordDist) / float64(wordTotal)
	}
	return cer, wer, nil
}
